package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sembridge/sembridge/localindex"
)

// uploadConcurrency bounds in-flight document uploads.
const uploadConcurrency = 32

// CandidateSource supplies the current local-ingest candidate set.
type CandidateSource interface {
	IngestCandidates(ctx context.Context) ([]localindex.Candidate, error)
}

// PublishStats summarizes one publish run.
type PublishStats struct {
	Candidates int
	Uploaded   int
	Skipped    int
	UpToDate   bool
	Checkpoint string
	Duration   time.Duration
}

// Publisher drives the multi-phase publish protocol for one fileset. A
// publish is non-transactional: a failure aborts it and the next trigger
// resumes from the unchanged checkpoint.
type Publisher struct {
	client  *Client
	source  CandidateSource
	fileset string
}

func NewPublisher(client *Client, source CandidateSource, fileset string) *Publisher {
	return &Publisher{
		client:  client,
		source:  source,
		fileset: fileset,
	}
}

// Publish reconciles the local digest set with the remote fileset and uploads
// whatever the server reports missing.
func (p *Publisher) Publish(ctx context.Context) (*PublishStats, error) {
	start := time.Now()
	stats := &PublishStats{}

	candidates, err := p.source.IngestCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect ingest candidates: %w", err)
	}
	stats.Candidates = len(candidates)

	digests := make([]string, 0, len(candidates))
	byDigest := make(map[string]localindex.Candidate, len(candidates))
	for _, cand := range candidates {
		digests = append(digests, cand.Digest)
		byDigest[cand.Digest] = cand
	}

	filter := BuildGeoFilter(digests)
	checkpoint := Checkpoint(digests)
	stats.Checkpoint = checkpoint

	session, err := p.client.CreateIngest(ctx, p.fileset, checkpoint, filter, ComputeCodedSymbols(digests, initialRange()))
	if err != nil {
		return nil, err
	}

	// No ingest id and no range: the remote state already matches. Stop
	// without any further calls.
	if session.IngestID == "" && session.Range == nil {
		stats.UpToDate = true
		stats.Duration = time.Since(start)
		return stats, nil
	}
	if session.IngestID == "" {
		return nil, &ProtocolError{Op: "create-ingest", Detail: "range without ingest id"}
	}

	// Reconciliation loop: the server picks each next range; the exchange
	// ends strictly on a nil next range.
	for nextRange := session.Range; nextRange != nil; {
		symbols := ComputeCodedSymbols(digests, *nextRange)
		nextRange, err = p.client.PushCodedSymbols(ctx, session.IngestID, symbols, *nextRange)
		if err != nil {
			return nil, err
		}
	}

	uploaded, skipped, err := p.uploadWanted(ctx, session.IngestID, byDigest)
	if err != nil {
		return nil, err
	}
	stats.Uploaded = uploaded
	stats.Skipped = skipped

	if err := p.client.Finalize(ctx, session.IngestID); err != nil {
		return nil, err
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// uploadWanted pages through the wanted-document ids and uploads each one,
// de-duplicated across pages. Per-document failures are logged and counted,
// never fatal: the fileset is eventually consistent.
func (p *Publisher) uploadWanted(ctx context.Context, ingestID string, byDigest map[string]localindex.Candidate) (int, int, error) {
	var mu sync.Mutex
	uploaded, skipped := 0, 0
	requested := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	pageToken := ""
	for {
		page, err := p.client.GetBatch(ctx, ingestID, pageToken)
		if err != nil {
			return uploaded, skipped, err
		}

		for _, docID := range page.DocIDs {
			if requested[docID] {
				continue
			}
			requested[docID] = true

			cand, ok := byDigest[docID]
			if !ok {
				// The server can want digests the geo filter matched by
				// accident; nothing local answers to them.
				mu.Lock()
				skipped++
				mu.Unlock()
				continue
			}

			g.Go(func() error {
				err := p.uploadOne(gctx, ingestID, cand)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					log.Printf("Failed to upload %s: %v", cand.RelPath, err)
					skipped++
					return nil
				}
				uploaded++
				return nil
			})
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := g.Wait(); err != nil {
		return uploaded, skipped, err
	}
	return uploaded, skipped, nil
}

// uploadOne reads a candidate's content and pushes it base64-encoded. A read
// failure means the file vanished since digesting; the next publish catches
// it.
func (p *Publisher) uploadOne(ctx context.Context, ingestID string, cand localindex.Candidate) error {
	content, err := os.ReadFile(cand.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", cand.Path, err)
	}
	return p.client.UploadDocument(ctx, ingestID, cand.RelPath, base64.StdEncoding.EncodeToString(content))
}
