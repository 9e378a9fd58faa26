package localindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sembridge/sembridge/statestore"
)

func newTestIndex(t *testing.T, root string, remoteRoots []string) *LocalIngestIndex {
	t.Helper()
	matcher, err := NewIgnoreMatcher(root, []string{".git", ".sembridge"})
	if err != nil {
		t.Fatalf("failed to create ignore matcher: %v", err)
	}
	store := statestore.NewGOBStore(filepath.Join(t.TempDir(), "state.gob"))
	return NewLocalIngestIndex(root, remoteRoots, matcher, store)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "package a\n")
	writeFile(t, filepath.Join(root, "sub", "b.go"), "package b\n")

	idx := newTestIndex(t, root, nil)
	ctx := context.Background()

	first, err := idx.Reconcile(ctx)
	if err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	if first.Added != 2 {
		t.Errorf("first reconcile added %d, want 2", first.Added)
	}

	second, err := idx.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if second.Added != 0 || second.Changed != 0 || second.Removed != 0 {
		t.Errorf("second reconcile made transitions: %+v, want none", second)
	}
	if second.Unchanged != 2 {
		t.Errorf("second reconcile unchanged = %d, want 2", second.Unchanged)
	}
}

func TestContentChangeForcesReEvaluation(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	writeFile(t, path, "package main\n")

	idx := newTestIndex(t, root, nil)
	ctx := context.Background()

	if _, err := idx.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	cands, err := idx.IngestCandidates(ctx)
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	oldDigest := cands[0].Digest

	// Force a visible mtime change alongside new bytes.
	writeFile(t, path, "package main\n\nfunc main() {}\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("failed to bump mtime: %v", err)
	}

	stats, err := idx.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile after change failed: %v", err)
	}
	if stats.Changed != 1 {
		t.Errorf("reconcile changed = %d, want 1", stats.Changed)
	}

	cands, err = idx.IngestCandidates(ctx)
	if err != nil {
		t.Fatalf("candidates after change failed: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates after change, want 1", len(cands))
	}
	if cands[0].Digest == oldDigest {
		t.Error("digest unchanged after content change")
	}
}

func TestShouldTrackExcludesRemoteIndexedRoots(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t, root, []string{"vendorlib", filepath.Join(root, "services", "api")})

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "main.go"), true},
		{filepath.Join(root, "vendorlib", "x.go"), false},
		{filepath.Join(root, "vendorlib"), false},
		{filepath.Join(root, "services", "api", "deep", "y.go"), false},
		{filepath.Join(root, "services", "web", "z.go"), true},
		{filepath.Join(os.TempDir(), "outside.go"), false},
	}
	for _, tt := range tests {
		if got := idx.ShouldTrack(tt.path); got != tt.want {
			t.Errorf("ShouldTrack(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestReconcileRemovesVanishedFiles(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.go")
	writeFile(t, path, "package gone\n")

	idx := newTestIndex(t, root, nil)
	ctx := context.Background()

	if _, err := idx.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if idx.TrackedCount() != 1 {
		t.Fatalf("tracked %d, want 1", idx.TrackedCount())
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}
	stats, err := idx.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile after removal failed: %v", err)
	}
	if stats.Removed != 1 || idx.TrackedCount() != 0 {
		t.Errorf("removed = %d, tracked = %d; want 1 and 0", stats.Removed, idx.TrackedCount())
	}
}

func TestOnDeleteRemovesDirectoryDescendants(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "a.go"), "package pkg\n")
	writeFile(t, filepath.Join(root, "pkg", "deep", "b.go"), "package deep\n")
	writeFile(t, filepath.Join(root, "other.go"), "package other\n")

	idx := newTestIndex(t, root, nil)
	ctx := context.Background()
	if _, err := idx.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(root, "pkg")); err != nil {
		t.Fatalf("failed to remove dir: %v", err)
	}
	idx.OnDelete(ctx, filepath.Join(root, "pkg"))

	if idx.TrackedCount() != 1 {
		t.Errorf("tracked %d after directory delete, want 1", idx.TrackedCount())
	}
}

func TestWatchEventsMaintainState(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t, root, nil)
	ctx := context.Background()
	if _, err := idx.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	path := filepath.Join(root, "new.go")
	writeFile(t, path, "package new\n")
	idx.OnCreate(ctx, path)
	if idx.TrackedCount() != 1 {
		t.Fatalf("tracked %d after create, want 1", idx.TrackedCount())
	}

	cands, err := idx.IngestCandidates(ctx)
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}
	idx.OnDelete(ctx, path)
	if idx.TrackedCount() != 0 {
		t.Errorf("tracked %d after delete, want 0", idx.TrackedCount())
	}
}

func TestIngestCandidatesRequiresReconcile(t *testing.T) {
	idx := newTestIndex(t, t.TempDir(), nil)
	if _, err := idx.IngestCandidates(context.Background()); err != ErrNotReconciled {
		t.Errorf("IngestCandidates before reconcile = %v, want ErrNotReconciled", err)
	}
}

func TestIneligibleContentIsCachedNotYielded(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.go"), "package ok\n")
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0x7f, 'E', 'L', 'F', 0, 0, 1, 2}, 0644); err != nil {
		t.Fatalf("failed to write binary file: %v", err)
	}

	idx := newTestIndex(t, root, nil)
	ctx := context.Background()
	if _, err := idx.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	cands, err := idx.IngestCandidates(ctx)
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(cands) != 1 || cands[0].RelPath != "ok.go" {
		t.Fatalf("candidates = %+v, want only ok.go", cands)
	}

	// The binary file stays tracked as Ineligible so it is not re-read.
	counts := idx.StateCounts()
	if counts[statestore.StateIneligible] != 1 {
		t.Errorf("ineligible count = %d, want 1", counts[statestore.StateIneligible])
	}
}
