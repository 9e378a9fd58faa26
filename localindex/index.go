// Package localindex tracks which workspace files are candidates for the
// local ingestion fallback path. The remote service cannot index every
// repository; files outside the remote-indexed roots are tracked here,
// classified for eligibility, and digested incrementally so that only changed
// files are ever re-read.
package localindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sembridge/sembridge/statestore"
)

// defaultReadConcurrency bounds concurrent content reads during candidate
// evaluation.
const defaultReadConcurrency = 5

// ErrNotReconciled is returned when candidates are requested before the first
// full reconcile pass.
var ErrNotReconciled = errors.New("localindex: reconcile must run before iterating candidates")

// PolicyFunc is the access-policy collaborator: it reports whether a
// workspace-relative path is excluded from ingestion.
type PolicyFunc func(relPath string) bool

// Candidate is an Eligible file with a valid content digest.
type Candidate struct {
	Path    string // absolute
	RelPath string // root-relative, slash-separated
	Digest  string
	Size    int64
}

// ReconcileStats summarizes one full enumeration pass.
type ReconcileStats struct {
	Added     int
	Changed   int
	Removed   int
	Unchanged int
}

// LocalIngestIndex owns the per-file eligibility records for one workspace.
// The in-memory arena is authoritative; every mutation writes through to the
// state store.
type LocalIngestIndex struct {
	root        string
	remoteRoots []string
	ignore      *IgnoreMatcher
	policy      PolicyFunc
	store       statestore.Store
	readSem     *semaphore.Weighted

	mu         sync.Mutex
	records    map[string]*statestore.FileRecord
	reconciled bool
}

// Option configures a LocalIngestIndex.
type Option func(*LocalIngestIndex)

// WithReadConcurrency overrides the bounded content-read pool size.
func WithReadConcurrency(n int64) Option {
	return func(idx *LocalIngestIndex) {
		idx.readSem = semaphore.NewWeighted(n)
	}
}

// WithPolicy installs an access-policy check; excluded paths are removed from
// tracking entirely.
func WithPolicy(policy PolicyFunc) Option {
	return func(idx *LocalIngestIndex) {
		idx.policy = policy
	}
}

// NewLocalIngestIndex creates an index over root. remoteRoots are subtrees
// covered by the server-built index; files under them are never tracked here.
func NewLocalIngestIndex(root string, remoteRoots []string, ignore *IgnoreMatcher, store statestore.Store, opts ...Option) *LocalIngestIndex {
	cleaned := make([]string, 0, len(remoteRoots))
	for _, r := range remoteRoots {
		if !filepath.IsAbs(r) {
			r = filepath.Join(root, r)
		}
		cleaned = append(cleaned, filepath.Clean(r))
	}

	idx := &LocalIngestIndex{
		root:        filepath.Clean(root),
		remoteRoots: cleaned,
		ignore:      ignore,
		store:       store,
		readSem:     semaphore.NewWeighted(defaultReadConcurrency),
		records:     make(map[string]*statestore.FileRecord),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Load reads the persisted state table into the arena, dropping records that
// the current configuration no longer tracks.
func (idx *LocalIngestIndex) Load(ctx context.Context) error {
	if err := idx.store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state table: %w", err)
	}

	recs, err := idx.store.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state table: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		if !idx.ShouldTrack(rec.Path) {
			_ = idx.store.Delete(ctx, rec.Path)
			continue
		}
		idx.records[rec.Path] = &rec
	}
	return nil
}

// ShouldTrack reports whether an absolute path belongs to this index: under
// the workspace root and not under any remote-indexed root.
func (idx *LocalIngestIndex) ShouldTrack(path string) bool {
	path = filepath.Clean(path)
	if !underDir(idx.root, path) {
		return false
	}
	for _, r := range idx.remoteRoots {
		if underDir(r, path) {
			return false
		}
	}
	return true
}

func underDir(dir, path string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

// Reconcile runs a full enumeration pass: new and changed files enter
// Undetermined, vanished files are removed, everything else is untouched.
// Re-running with no filesystem changes produces zero state transitions.
func (idx *LocalIngestIndex) Reconcile(ctx context.Context) (*ReconcileStats, error) {
	stats := &ReconcileStats{}
	seen := make(map[string]bool)

	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Inaccessible paths are treated as absent
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, relErr := filepath.Rel(idx.root, path)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if relPath != "." && idx.ignore.ShouldIgnore(relPath) {
				return filepath.SkipDir
			}
			return nil
		}

		if idx.ignore.ShouldIgnore(relPath) || !idx.ShouldTrack(path) {
			return nil
		}
		if idx.policy != nil && idx.policy(filepath.ToSlash(relPath)) {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil // Gone between listing and stat
		}

		normalized := filepath.Clean(path)
		seen[normalized] = true

		idx.mu.Lock()
		rec, ok := idx.records[normalized]
		switch {
		case !ok:
			idx.upsertLocked(ctx, &statestore.FileRecord{
				Path:    normalized,
				Size:    info.Size(),
				ModTime: info.ModTime(),
				State:   statestore.StateUndetermined,
			})
			stats.Added++
		case rec.Size != info.Size() || !rec.ModTime.Equal(info.ModTime()):
			rec.Size = info.Size()
			rec.ModTime = info.ModTime()
			rec.State = statestore.StateUndetermined
			idx.upsertLocked(ctx, rec)
			stats.Changed++
		default:
			stats.Unchanged++
		}
		idx.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Vanished files, and files reclassified out of tracking, drop out.
	idx.mu.Lock()
	for path := range idx.records {
		if !seen[path] {
			idx.removeLocked(ctx, path)
			stats.Removed++
		}
	}
	idx.reconciled = true
	idx.mu.Unlock()

	return stats, nil
}

// OnCreate handles a watcher create event.
func (idx *LocalIngestIndex) OnCreate(ctx context.Context, path string) {
	idx.observe(ctx, path)
}

// OnChange handles a watcher change event.
func (idx *LocalIngestIndex) OnChange(ctx context.Context, path string) {
	idx.observe(ctx, path)
}

// observe applies the reconcile rules to a single path.
func (idx *LocalIngestIndex) observe(ctx context.Context, path string) {
	normalized := filepath.Clean(path)

	relPath, err := filepath.Rel(idx.root, normalized)
	if err != nil {
		return
	}
	if idx.ignore.ShouldIgnore(relPath) || !idx.ShouldTrack(normalized) {
		idx.OnDelete(ctx, normalized)
		return
	}
	if idx.policy != nil && idx.policy(filepath.ToSlash(relPath)) {
		idx.OnDelete(ctx, normalized)
		return
	}

	info, err := os.Stat(normalized)
	if err != nil {
		// Stat failures are "file gone".
		idx.OnDelete(ctx, normalized)
		return
	}
	if info.IsDir() {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[normalized]
	if !ok {
		idx.upsertLocked(ctx, &statestore.FileRecord{
			Path:    normalized,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			State:   statestore.StateUndetermined,
		})
		return
	}
	if rec.Size != info.Size() || !rec.ModTime.Equal(info.ModTime()) {
		rec.Size = info.Size()
		rec.ModTime = info.ModTime()
		rec.State = statestore.StateUndetermined
		idx.upsertLocked(ctx, rec)
	}
}

// OnDelete removes the record for path and, when path was a directory, every
// tracked descendant.
func (idx *LocalIngestIndex) OnDelete(ctx context.Context, path string) {
	normalized := filepath.Clean(path)
	prefix := normalized + string(filepath.Separator)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.records[normalized]; ok {
		idx.removeLocked(ctx, normalized)
	}
	for p := range idx.records {
		if strings.HasPrefix(p, prefix) {
			idx.removeLocked(ctx, p)
		}
	}
}

// upsertLocked bumps the revision and writes through. Callers hold idx.mu.
func (idx *LocalIngestIndex) upsertLocked(ctx context.Context, rec *statestore.FileRecord) {
	rec.Revision++
	idx.records[rec.Path] = rec
	if err := idx.store.Put(ctx, *rec); err != nil {
		log.Printf("Failed to persist state for %s: %v", rec.Path, err)
	}
}

// removeLocked drops a record from arena and store. Callers hold idx.mu.
func (idx *LocalIngestIndex) removeLocked(ctx context.Context, path string) {
	delete(idx.records, path)
	if err := idx.store.Delete(ctx, path); err != nil {
		log.Printf("Failed to delete state for %s: %v", path, err)
	}
}

// IngestCandidates yields every Eligible file with a valid digest. Cached
// records whose size and mtime still match are returned as-is; stale or
// Undetermined records are evaluated inline, persisted, and yielded only when
// Eligible. Content reads are bounded; per-file errors mean "file gone".
func (idx *LocalIngestIndex) IngestCandidates(ctx context.Context) ([]Candidate, error) {
	idx.mu.Lock()
	if !idx.reconciled {
		idx.mu.Unlock()
		return nil, ErrNotReconciled
	}
	type pending struct {
		path     string
		revision uint64
	}
	var cached []Candidate
	var toEval []pending
	for path, rec := range idx.records {
		info, err := os.Stat(path)
		if err != nil {
			idx.removeLocked(ctx, path)
			continue
		}
		fresh := rec.Size == info.Size() && rec.ModTime.Equal(info.ModTime())
		if fresh && rec.State == statestore.StateEligible && rec.Digest != "" {
			cached = append(cached, idx.candidateLocked(rec))
			continue
		}
		if fresh && rec.State == statestore.StateIneligible {
			continue
		}
		toEval = append(toEval, pending{path: path, revision: rec.Revision})
	}
	idx.mu.Unlock()

	var resultMu sync.Mutex
	results := cached

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range toEval {
		g.Go(func() error {
			if err := idx.readSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer idx.readSem.Release(1)

			cand, ok := idx.evaluate(gctx, p.path, p.revision)
			if ok {
				resultMu.Lock()
				results = append(results, cand)
				resultMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// evaluate classifies one file and commits the result if the record has not
// moved on since the caller observed it (revision check).
func (idx *LocalIngestIndex) evaluate(ctx context.Context, path string, observedRev uint64) (Candidate, bool) {
	relPath, err := filepath.Rel(idx.root, path)
	if err != nil {
		return Candidate{}, false
	}

	info, err := os.Stat(path)
	if err != nil {
		idx.mu.Lock()
		idx.removeLocked(ctx, path)
		idx.mu.Unlock()
		return Candidate{}, false
	}

	state := statestore.StateIneligible
	digest := ""
	if CheapEligible(relPath, info.Size()) {
		content, err := os.ReadFile(path)
		if err != nil {
			idx.mu.Lock()
			idx.removeLocked(ctx, path)
			idx.mu.Unlock()
			return Candidate{}, false
		}
		if ContentEligible(content) {
			state = statestore.StateEligible
			digest = ContentDigest(relPath, content)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[path]
	if !ok || rec.Revision != observedRev {
		// The record changed while we were reading; whoever changed it
		// owns the next evaluation.
		return Candidate{}, false
	}
	rec.Size = info.Size()
	rec.ModTime = info.ModTime()
	rec.State = state
	rec.Digest = digest
	idx.upsertLocked(ctx, rec)

	if state != statestore.StateEligible {
		return Candidate{}, false
	}
	return idx.candidateLocked(rec), true
}

// candidateLocked builds a Candidate from a record. Callers hold idx.mu.
func (idx *LocalIngestIndex) candidateLocked(rec *statestore.FileRecord) Candidate {
	relPath, _ := filepath.Rel(idx.root, rec.Path)
	return Candidate{
		Path:    rec.Path,
		RelPath: filepath.ToSlash(relPath),
		Digest:  rec.Digest,
		Size:    rec.Size,
	}
}

// TrackedCount returns how many files the index currently tracks.
func (idx *LocalIngestIndex) TrackedCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.records)
}

// StateCounts returns the number of records per eligibility state.
func (idx *LocalIngestIndex) StateCounts() map[statestore.EligibilityState]int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	counts := make(map[statestore.EligibilityState]int)
	for _, rec := range idx.records {
		counts[rec.State]++
	}
	return counts
}
