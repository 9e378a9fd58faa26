package cli

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sembridge/sembridge/fusion"
	"github.com/sembridge/sembridge/remote"
)

// remoteSearcher queries the server's primary, server-built index.
type remoteSearcher struct {
	client  *remote.Client
	model   string
	fileset string // empty: primary index
}

func newRemoteSearcher(client *remote.Client, model string) *remoteSearcher {
	// The server-built index is the default scope; the published fileset is
	// queried separately by the ingest searcher.
	return &remoteSearcher{client: client, model: model}
}

func (s *remoteSearcher) Search(ctx context.Context, query string, limit int) ([]fusion.Chunk, error) {
	return searchFileset(ctx, s.client, s.fileset, s.model, query, limit)
}

// ingestSearcher queries the published local-ingest fileset.
type ingestSearcher struct {
	client  *remote.Client
	fileset string
	model   string
}

func newIngestSearcher(client *remote.Client, fileset, model string) *ingestSearcher {
	return &ingestSearcher{client: client, fileset: fileset, model: model}
}

func (s *ingestSearcher) Search(ctx context.Context, query string, limit int) ([]fusion.Chunk, error) {
	return searchFileset(ctx, s.client, s.fileset, s.model, query, limit)
}

func searchFileset(ctx context.Context, client *remote.Client, fileset, model, query string, limit int) ([]fusion.Chunk, error) {
	results, err := client.Search(ctx, remote.SearchParams{
		Fileset:        fileset,
		Prompt:         query,
		EmbeddingModel: model,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]fusion.Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, fusion.Chunk{
			Path:      filepath.ToSlash(r.Path),
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Score:     r.Score,
			Content:   r.Text,
		})
	}
	return chunks, nil
}

// diffSearcher covers locally modified files. The fast method reuses the
// published fileset's embeddings and keeps only diff-set hits; the exact
// method reads the files off disk and scores them by term overlap, so it is
// always current but slower.
type diffSearcher struct {
	client  *remote.Client
	fileset string
	model   string
	root    string
}

func newDiffSearcher(client *remote.Client, fileset, model, root string) *diffSearcher {
	return &diffSearcher{client: client, fileset: fileset, model: model, root: root}
}

func (s *diffSearcher) SearchFast(ctx context.Context, query string, paths []string, limit int) ([]fusion.Chunk, error) {
	// Embeddings in the fileset lag the working tree slightly, but the paths
	// still point at the right files; content is re-read for freshness.
	chunks, err := searchFileset(ctx, s.client, s.fileset, s.model, query, limit)
	if err != nil {
		return nil, err
	}

	inDiff := make(map[string]bool, len(paths))
	for _, p := range paths {
		inDiff[filepath.ToSlash(p)] = true
	}

	var kept []fusion.Chunk
	for _, chunk := range chunks {
		if !inDiff[chunk.Path] {
			continue
		}
		if fresh, ok := s.refreshChunk(chunk); ok {
			kept = append(kept, fresh)
		}
	}
	return kept, nil
}

func (s *diffSearcher) SearchExact(ctx context.Context, query string, paths []string, limit int) ([]fusion.Chunk, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var chunks []fusion.Chunk

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, relPath := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			found := s.scanFile(relPath, terms)
			if len(found) > 0 {
				mu.Lock()
				chunks = append(chunks, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

// scanWindow is the span size exact search scores at a time.
const scanWindow = 40

// scanFile reads one diff-set file and scores fixed-size line windows by the
// fraction of query terms they contain. File errors mean the file is gone.
func (s *diffSearcher) scanFile(relPath string, terms []string) []fusion.Chunk {
	content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(relPath)))
	if err != nil {
		return nil
	}

	lines := strings.Split(string(content), "\n")
	var chunks []fusion.Chunk
	for start := 0; start < len(lines); start += scanWindow {
		end := start + scanWindow
		if end > len(lines) {
			end = len(lines)
		}
		window := strings.ToLower(strings.Join(lines[start:end], "\n"))

		hits := 0
		for _, term := range terms {
			if strings.Contains(window, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		chunks = append(chunks, fusion.Chunk{
			Path:      filepath.ToSlash(relPath),
			StartLine: start + 1,
			EndLine:   end,
			Score:     float64(hits) / float64(len(terms)),
			Content:   strings.Join(lines[start:end], "\n"),
		})
	}
	return chunks
}

// refreshChunk re-reads a fast hit's span from the working tree so the
// returned content reflects the local edit, not the published snapshot.
func (s *diffSearcher) refreshChunk(chunk fusion.Chunk) (fusion.Chunk, bool) {
	content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(chunk.Path)))
	if err != nil {
		return fusion.Chunk{}, false
	}

	lines := strings.Split(string(content), "\n")
	if chunk.StartLine < 1 || chunk.StartLine > len(lines) {
		return fusion.Chunk{}, false
	}
	end := chunk.EndLine
	if end > len(lines) {
		end = len(lines)
	}
	chunk.Content = strings.Join(lines[chunk.StartLine-1:end], "\n")
	chunk.EndLine = end
	return chunk, true
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		// Single characters match everywhere and drown the signal.
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}
