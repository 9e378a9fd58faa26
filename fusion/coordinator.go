// Package fusion merges search results from the remote index, the local
// ingest index, and the locally modified files into one ranked list under a
// latency budget. Any single source failing degrades the answer instead of
// blocking it.
package fusion

import (
	"context"
	"log"
	"path"
	"path/filepath"
	"sync"
	"time"
)

// Source identifies which sub-search produced a chunk.
type Source string

const (
	SourceRemote Source = "remote"
	SourceIngest Source = "ingest"
	SourceDiff   Source = "diff"
)

// Chunk is one scored span of a file, the common currency of all sources.
type Chunk struct {
	Path      string // workspace-relative, slash-separated
	StartLine int
	EndLine   int
	Score     float64
	Content   string
	Source    Source
}

// RemoteSearcher queries the server-built index.
type RemoteSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Chunk, error)
}

// IngestSearcher queries the locally ingested fallback collection.
type IngestSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Chunk, error)
}

// DiffSearcher queries only the locally modified files: a fast method over
// pre-embedded diff content and a slower exact method reading the files.
type DiffSearcher interface {
	SearchFast(ctx context.Context, query string, paths []string, limit int) ([]Chunk, error)
	SearchExact(ctx context.Context, query string, paths []string, limit int) ([]Chunk, error)
}

// Options scope one query.
type Options struct {
	Limit   int
	Include []string // glob patterns; empty means everything
	Exclude []string
}

// Result is the merged answer. Stale is an advisory: the diff search did not
// finish in time, so chunks for locally modified files may be missing or
// outdated.
type Result struct {
	Chunks []Chunk
	Stale  bool
}

// Config tunes the coordinator's degradation thresholds.
type Config struct {
	// MaxDiffFiles abandons local diff search outright when the diff set is
	// larger than this.
	MaxDiffFiles int
	// MaxDiffRatio abandons local diff search when the diff set exceeds this
	// fraction of all tracked files.
	MaxDiffRatio float64
	// FastTimeout is how long the fast diff method runs before the exact
	// method is raced against it.
	FastTimeout time.Duration
	// DiffBudget is how long the merge waits for the diff search after the
	// other sources have finished.
	DiffBudget time.Duration
}

// DefaultConfig matches interactive-query latency expectations.
func DefaultConfig() Config {
	return Config{
		MaxDiffFiles: 200,
		MaxDiffRatio: 0.1,
		FastTimeout:  750 * time.Millisecond,
		DiffBudget:   2 * time.Second,
	}
}

// Coordinator fans a query out to up to three sources and merges the answers.
type Coordinator struct {
	remote RemoteSearcher
	ingest IngestSearcher
	diff   DiffSearcher
	cfg    Config
}

func NewCoordinator(remote RemoteSearcher, ingest IngestSearcher, diff DiffSearcher, cfg Config) *Coordinator {
	return &Coordinator{
		remote: remote,
		ingest: ingest,
		diff:   diff,
		cfg:    cfg,
	}
}

type sourceOutcome struct {
	chunks []Chunk
	err    error
}

// Search answers one query. diffSet lists workspace-relative paths known to
// differ locally from the remote index; trackedTotal sizes the ratio
// threshold. Cancelling ctx cancels every sub-search.
func (c *Coordinator) Search(ctx context.Context, query string, diffSet []string, trackedTotal int, opts Options) (*Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	// One cancellation signal threads through every sub-search. It fires on
	// caller cancellation and when this query returns, so a gated diff
	// search that never launched does not linger.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	diffUsable := c.diffUsable(diffSet, trackedTotal)

	remoteCh := make(chan sourceOutcome, 1)
	ingestCh := make(chan sourceOutcome, 1)

	go func() {
		chunks, err := c.searchRemote(ctx, query, opts.Limit)
		remoteCh <- sourceOutcome{chunks: chunks, err: err}
	}()
	go func() {
		chunks, err := c.searchIngest(ctx, query, opts.Limit)
		ingestCh <- sourceOutcome{chunks: chunks, err: err}
	}()

	// The diff search launches as soon as either base source proves
	// non-empty. If both come back failed or empty, it never starts: there
	// is nothing trustworthy to merge diff results against.
	diffGate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(diffGate) }) }

	diffCh := make(chan sourceOutcome, 1)
	diffStarted := false
	if diffUsable {
		diffStarted = true
		go func() {
			select {
			case <-diffGate:
			case <-ctx.Done():
				diffCh <- sourceOutcome{err: ctx.Err()}
				return
			}
			chunks, err := raceFastSlow(ctx,
				func(ctx context.Context) ([]Chunk, error) {
					return c.diff.SearchFast(ctx, query, diffSet, opts.Limit)
				},
				func(ctx context.Context) ([]Chunk, error) {
					return c.diff.SearchExact(ctx, query, diffSet, opts.Limit)
				},
				c.cfg.FastTimeout)
			diffCh <- sourceOutcome{chunks: chunks, err: err}
		}()
	}

	var remoteChunks, ingestChunks []Chunk
	baseProductive := false
	for i := 0; i < 2; i++ {
		select {
		case out := <-remoteCh:
			remoteChunks = c.reportSource(SourceRemote, out)
			if len(remoteChunks) > 0 {
				baseProductive = true
				openGate()
			}
		case out := <-ingestCh:
			ingestChunks = c.reportSource(SourceIngest, out)
			if len(ingestChunks) > 0 {
				baseProductive = true
				openGate()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := &Result{}
	var diffChunks []Chunk
	diffCompleted := false
	if diffStarted && baseProductive {
		timer := time.NewTimer(c.cfg.DiffBudget)
		select {
		case out := <-diffCh:
			timer.Stop()
			if out.err != nil {
				log.Printf("Diff search failed, proceeding without it: %v", out.err)
				result.Stale = true
			} else {
				diffChunks = out.chunks
				diffCompleted = true
			}
		case <-timer.C:
			// Proceed with what we have; flag the answer as possibly stale
			// rather than blocking on the diff search.
			result.Stale = true
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	} else if len(diffSet) > 0 && baseProductive {
		// Diff search abandoned (oversized set): remote and ingest results
		// are trusted wholesale, with a staleness advisory.
		result.Stale = true
	}

	// The diff-set exclusion only holds when the diff search actually
	// answered; otherwise diff-set files keep their (possibly stale)
	// remote and ingest chunks.
	mergeSet := diffSet
	if !diffCompleted {
		mergeSet = nil
	}
	result.Chunks = mergeChunks(remoteChunks, ingestChunks, diffChunks, mergeSet, opts)
	return result, nil
}

// diffUsable applies the size and ratio thresholds. Past either, local file
// state is too far from the remote index to trust diff search at all.
func (c *Coordinator) diffUsable(diffSet []string, trackedTotal int) bool {
	if c.diff == nil || len(diffSet) == 0 {
		return false
	}
	if c.cfg.MaxDiffFiles > 0 && len(diffSet) > c.cfg.MaxDiffFiles {
		return false
	}
	if c.cfg.MaxDiffRatio > 0 && trackedTotal > 0 {
		if float64(len(diffSet))/float64(trackedTotal) > c.cfg.MaxDiffRatio {
			return false
		}
	}
	return true
}

func (c *Coordinator) searchRemote(ctx context.Context, query string, limit int) ([]Chunk, error) {
	if c.remote == nil {
		return nil, nil
	}
	return c.remote.Search(ctx, query, limit)
}

func (c *Coordinator) searchIngest(ctx context.Context, query string, limit int) ([]Chunk, error) {
	if c.ingest == nil {
		return nil, nil
	}
	return c.ingest.Search(ctx, query, limit)
}

// reportSource logs a failed source and normalizes its outcome to a chunk
// slice; one source failing never blocks the others.
func (c *Coordinator) reportSource(src Source, out sourceOutcome) []Chunk {
	if out.err != nil {
		log.Printf("%s search failed, degrading: %v", src, out.err)
		return nil
	}
	for i := range out.chunks {
		out.chunks[i].Source = src
	}
	return out.chunks
}

// mergeChunks combines the three sources. Chunks for diff-set files are
// trusted only from the diff search (remote and ingest copies are stale);
// everything else comes from remote and ingest. No cross-source re-ranking.
func mergeChunks(remoteChunks, ingestChunks, diffChunks []Chunk, diffSet []string, opts Options) []Chunk {
	inDiff := make(map[string]bool, len(diffSet))
	for _, p := range diffSet {
		inDiff[filepath.ToSlash(p)] = true
	}

	merged := make([]Chunk, 0, len(remoteChunks)+len(ingestChunks)+len(diffChunks))
	for _, chunk := range remoteChunks {
		if !inDiff[chunk.Path] && matchesGlobs(chunk.Path, opts) {
			merged = append(merged, chunk)
		}
	}
	for _, chunk := range ingestChunks {
		if !inDiff[chunk.Path] && matchesGlobs(chunk.Path, opts) {
			merged = append(merged, chunk)
		}
	}
	for _, chunk := range diffChunks {
		chunk.Source = SourceDiff
		if inDiff[chunk.Path] && matchesGlobs(chunk.Path, opts) {
			merged = append(merged, chunk)
		}
	}

	if opts.Limit > 0 && len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	return merged
}

// matchesGlobs applies the caller's include/exclude filters. Patterns match
// against the full relative path or its basename.
func matchesGlobs(p string, opts Options) bool {
	for _, pattern := range opts.Exclude {
		if globMatch(pattern, p) {
			return false
		}
	}
	if len(opts.Include) == 0 {
		return true
	}
	for _, pattern := range opts.Include {
		if globMatch(pattern, p) {
			return true
		}
	}
	return false
}

func globMatch(pattern, p string) bool {
	if ok, err := path.Match(pattern, p); err == nil && ok {
		return true
	}
	if ok, err := path.Match(pattern, path.Base(p)); err == nil && ok {
		return true
	}
	return false
}
