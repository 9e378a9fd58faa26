package fusion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubSearcher struct {
	chunks []Chunk
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (s *stubSearcher) Search(ctx context.Context, query string, limit int) ([]Chunk, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.chunks, s.err
}

type stubDiffSearcher struct {
	fastChunks []Chunk
	fastErr    error
	fastDelay  time.Duration
	fastCalls  atomic.Int32
	exactCalls atomic.Int32
}

func (s *stubDiffSearcher) SearchFast(ctx context.Context, query string, paths []string, limit int) ([]Chunk, error) {
	s.fastCalls.Add(1)
	if s.fastDelay > 0 {
		select {
		case <-time.After(s.fastDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.fastChunks, s.fastErr
}

func (s *stubDiffSearcher) SearchExact(ctx context.Context, query string, paths []string, limit int) ([]Chunk, error) {
	s.exactCalls.Add(1)
	return s.fastChunks, s.fastErr
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FastTimeout = 50 * time.Millisecond
	cfg.DiffBudget = 300 * time.Millisecond
	return cfg
}

func remoteChunk(path string) Chunk {
	return Chunk{Path: path, StartLine: 1, EndLine: 10, Score: 0.8, Content: "stale " + path}
}

func diffChunk(path string) Chunk {
	return Chunk{Path: path, StartLine: 1, EndLine: 10, Score: 0.9, Content: "fresh " + path}
}

func TestThreeFileScenario(t *testing.T) {
	// Workspace of three files; a.go is locally modified and has a stale
	// remote chunk. The merged answer must be the fresh diff chunk for a.go
	// plus the two unmodified remote chunks: exactly 3, no duplicates.
	remote := &stubSearcher{chunks: []Chunk{
		remoteChunk("a.go"),
		remoteChunk("b.go"),
		remoteChunk("c.go"),
	}}
	ingest := &stubSearcher{}
	diff := &stubDiffSearcher{fastChunks: []Chunk{diffChunk("a.go")}}

	c := NewCoordinator(remote, ingest, diff, testConfig())
	res, err := c.Search(context.Background(), "query", []string{"a.go"}, 3, Options{Limit: 10})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if len(res.Chunks) != 3 {
		t.Fatalf("got %d chunks, want exactly 3: %+v", len(res.Chunks), res.Chunks)
	}
	byPath := make(map[string]Chunk)
	for _, chunk := range res.Chunks {
		if _, dup := byPath[chunk.Path]; dup {
			t.Errorf("duplicate chunk for %s", chunk.Path)
		}
		byPath[chunk.Path] = chunk
	}
	if byPath["a.go"].Content != "fresh a.go" {
		t.Errorf("a.go chunk = %+v, want the fresh diff chunk", byPath["a.go"])
	}
	if byPath["a.go"].Source != SourceDiff {
		t.Errorf("a.go source = %s, want diff", byPath["a.go"].Source)
	}
	if res.Stale {
		t.Error("result should not be stale when diff search completed")
	}
}

func TestDiffNeverStartsWhenBothBaseSourcesEmpty(t *testing.T) {
	remote := &stubSearcher{err: errors.New("remote down")}
	ingest := &stubSearcher{} // empty
	diff := &stubDiffSearcher{fastChunks: []Chunk{diffChunk("a.go")}}

	c := NewCoordinator(remote, ingest, diff, testConfig())
	res, err := c.Search(context.Background(), "query", []string{"a.go"}, 10, Options{})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if diff.fastCalls.Load() != 0 || diff.exactCalls.Load() != 0 {
		t.Error("diff search should never start when remote and ingest are both empty")
	}
	if len(res.Chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(res.Chunks))
	}
}

func TestOversizedDiffSetAbandonsLocalSearch(t *testing.T) {
	remote := &stubSearcher{chunks: []Chunk{remoteChunk("a.go"), remoteChunk("b.go")}}
	ingest := &stubSearcher{}
	diff := &stubDiffSearcher{fastChunks: []Chunk{diffChunk("a.go")}}

	cfg := testConfig()
	cfg.MaxDiffFiles = 2

	c := NewCoordinator(remote, ingest, diff, cfg)
	res, err := c.Search(context.Background(), "query", []string{"a.go", "b.go", "c.go"}, 100, Options{})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if diff.fastCalls.Load() != 0 {
		t.Error("diff search should be abandoned for an oversized diff set")
	}
	// With diff abandoned, remote results are trusted wholesale, diff-set
	// files included.
	if len(res.Chunks) != 2 {
		t.Errorf("got %d chunks, want both remote chunks: %+v", len(res.Chunks), res.Chunks)
	}
	if !res.Stale {
		t.Error("result should carry the stale advisory when diff search is abandoned")
	}
}

func TestDiffRatioThreshold(t *testing.T) {
	diff := &stubDiffSearcher{}
	c := NewCoordinator(nil, nil, diff, Config{MaxDiffFiles: 1000, MaxDiffRatio: 0.1})

	if c.diffUsable([]string{"a", "b", "c"}, 10) {
		t.Error("30% diff ratio should exceed the 10% threshold")
	}
	if !c.diffUsable([]string{"a"}, 100) {
		t.Error("1% diff ratio should be under the threshold")
	}
}

func TestSlowDiffProceedsWithStaleAdvisory(t *testing.T) {
	remote := &stubSearcher{chunks: []Chunk{remoteChunk("b.go")}}
	ingest := &stubSearcher{}
	diff := &stubDiffSearcher{
		fastChunks: []Chunk{diffChunk("a.go")},
		fastDelay:  5 * time.Second,
	}

	cfg := testConfig()
	cfg.FastTimeout = 10 * time.Millisecond
	cfg.DiffBudget = 50 * time.Millisecond

	c := NewCoordinator(remote, ingest, diff, cfg)
	start := time.Now()
	res, err := c.Search(context.Background(), "query", []string{"a.go"}, 10, Options{})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("search blocked %v on the diff source", elapsed)
	}

	if !res.Stale {
		t.Error("result should be stale when diff search misses the budget")
	}
	if len(res.Chunks) != 1 || res.Chunks[0].Path != "b.go" {
		t.Errorf("chunks = %+v, want only b.go from remote", res.Chunks)
	}
}

func TestSingleSourceFailureDegradesGracefully(t *testing.T) {
	remote := &stubSearcher{err: errors.New("remote down")}
	ingest := &stubSearcher{chunks: []Chunk{remoteChunk("x.go")}}

	c := NewCoordinator(remote, ingest, nil, testConfig())
	res, err := c.Search(context.Background(), "query", nil, 10, Options{})
	if err != nil {
		t.Fatalf("search should not fail when one source degrades: %v", err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].Source != SourceIngest {
		t.Errorf("chunks = %+v, want the ingest result", res.Chunks)
	}
}

func TestMergeRespectsDiffSetBothWays(t *testing.T) {
	remote := []Chunk{remoteChunk("changed.go"), remoteChunk("same.go")}
	ingest := []Chunk{remoteChunk("other.go")}
	diff := []Chunk{diffChunk("changed.go"), diffChunk("same.go")}

	merged := mergeChunks(remote, ingest, diff, []string{"changed.go"}, Options{Limit: 10})

	for _, chunk := range merged {
		switch chunk.Path {
		case "changed.go":
			if chunk.Content != "fresh changed.go" {
				t.Errorf("changed.go served from %s, want diff", chunk.Content)
			}
		case "same.go":
			if chunk.Content != "stale same.go" {
				t.Errorf("same.go served from %s, want remote", chunk.Content)
			}
		}
	}
	// "same.go" from diff must not appear: it is not in the diff set.
	count := make(map[string]int)
	for _, chunk := range merged {
		count[chunk.Path]++
	}
	if count["same.go"] != 1 || count["changed.go"] != 1 || count["other.go"] != 1 {
		t.Errorf("merge counts = %v, want one chunk per file", count)
	}
}

func TestMergeAppliesGlobFilters(t *testing.T) {
	remote := []Chunk{remoteChunk("src/a.go"), remoteChunk("docs/readme.md")}

	merged := mergeChunks(remote, nil, nil, nil, Options{
		Limit:   10,
		Include: []string{"*.go"},
	})
	if len(merged) != 1 || merged[0].Path != "src/a.go" {
		t.Errorf("include filter: got %+v, want only src/a.go", merged)
	}

	merged = mergeChunks(remote, nil, nil, nil, Options{
		Limit:   10,
		Exclude: []string{"docs/*"},
	})
	if len(merged) != 1 || merged[0].Path != "src/a.go" {
		t.Errorf("exclude filter: got %+v, want only src/a.go", merged)
	}
}
