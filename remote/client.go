// Package remote implements the client side of the ingest and query protocol
// for the server-built semantic index. Publishing uses set reconciliation so
// that only documents the server is missing ever cross the wire.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sembridge/sembridge/throttle"
)

const (
	defaultTimeout = 60 * time.Second

	// allowPoll is the pause between throttle admission checks.
	allowPoll = 50 * time.Millisecond

	// quotaHeader carries the server's quota usage percentage on responses.
	quotaHeader = "X-Quota-Used-Percent"
)

// Client talks to the remote ingest service. All calls route through the
// injected adaptive rate limiter.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *throttle.AdaptiveRateClient
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// NewClient creates a client for the service at baseURL. The limiter must be
// a dedicated instance for this binding; it is consulted before every call.
func NewClient(baseURL string, limiter *throttle.AdaptiveRateClient, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		limiter: limiter,
		http: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// waitAllow blocks until the limiter admits a send or the context ends.
func (c *Client) waitAllow(ctx context.Context) error {
	for {
		if c.limiter.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(allowPoll):
		}
	}
}

// do performs one throttled JSON round trip. out may be nil for ack-only
// endpoints. Non-2xx statuses and network failures become TransportError;
// undecodable bodies become ProtocolError.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.waitAllow(ctx); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer c.limiter.Done()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	// Usage metadata feeds the limiter even on failed calls; throttle state
	// is never rolled back.
	if raw := resp.Header.Get(quotaHeader); raw != "" {
		if pct, perr := strconv.ParseFloat(raw, 64); perr == nil {
			c.limiter.RecordUsage(pct)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{
			Op:  op,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Op: op, Detail: fmt.Sprintf("undecodable response body: %v", err)}
	}
	return nil
}

type createIngestRequest struct {
	FilesetName   string        `json:"fileset_name"`
	NewCheckpoint string        `json:"new_checkpoint"`
	GeoFilter     string        `json:"geo_filter"`
	CodedSymbols  []CodedSymbol `json:"coded_symbols"`
}

// IngestSession is the server's answer to create-ingest. An empty IngestID
// with a nil Range means the remote fileset already matches the checkpoint.
type IngestSession struct {
	IngestID string            `json:"ingest_id"`
	Range    *CodedSymbolRange `json:"coded_symbol_range"`
}

// CreateIngest opens an ingest session.
func (c *Client) CreateIngest(ctx context.Context, fileset, checkpoint string, filter *GeoFilter, symbols []CodedSymbol) (*IngestSession, error) {
	var resp IngestSession
	err := c.do(ctx, "create-ingest", http.MethodPost, "/v1/create-ingest", createIngestRequest{
		FilesetName:   fileset,
		NewCheckpoint: checkpoint,
		GeoFilter:     filter.Encode(),
		CodedSymbols:  symbols,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type pushCodedSymbolsRequest struct {
	IngestID     string           `json:"ingest_id"`
	CodedSymbols []CodedSymbol    `json:"coded_symbols"`
	Range        CodedSymbolRange `json:"coded_symbol_range"`
}

type pushCodedSymbolsResponse struct {
	NextRange *CodedSymbolRange `json:"next_coded_symbol_range"`
}

// PushCodedSymbols sends one computed range slice; the reply names the next
// range to compute, or nil when reconciliation is complete.
func (c *Client) PushCodedSymbols(ctx context.Context, ingestID string, symbols []CodedSymbol, r CodedSymbolRange) (*CodedSymbolRange, error) {
	var resp pushCodedSymbolsResponse
	err := c.do(ctx, "push-coded-symbols", http.MethodPost, "/v1/push-coded-symbols", pushCodedSymbolsRequest{
		IngestID:     ingestID,
		CodedSymbols: symbols,
		Range:        r,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.NextRange, nil
}

type getBatchRequest struct {
	IngestID  string `json:"ingest_id"`
	PageToken string `json:"page_token,omitempty"`
}

// BatchPage is one page of wanted document ids.
type BatchPage struct {
	DocIDs        []string `json:"doc_ids"`
	NextPageToken string   `json:"next_page_token,omitempty"`
}

// GetBatch fetches one page of wanted document ids (content digests).
func (c *Client) GetBatch(ctx context.Context, ingestID, pageToken string) (*BatchPage, error) {
	var resp BatchPage
	err := c.do(ctx, "get-batch", http.MethodPost, "/v1/get-batch", getBatchRequest{
		IngestID:  ingestID,
		PageToken: pageToken,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type uploadDocumentRequest struct {
	IngestID string `json:"ingest_id"`
	Content  string `json:"content"` // base64
	FilePath string `json:"file_path"`
}

// UploadDocument pushes one wanted document's content and path.
func (c *Client) UploadDocument(ctx context.Context, ingestID, filePath, contentB64 string) error {
	return c.do(ctx, "upload-document", http.MethodPost, "/v1/upload-document", uploadDocumentRequest{
		IngestID: ingestID,
		Content:  contentB64,
		FilePath: filePath,
	}, nil)
}

type finalizeRequest struct {
	IngestID string `json:"ingest_id"`
}

// Finalize commits the ingest session once all wanted documents are uploaded.
func (c *Client) Finalize(ctx context.Context, ingestID string) error {
	return c.do(ctx, "finalize", http.MethodPost, "/v1/finalize", finalizeRequest{IngestID: ingestID}, nil)
}

// DeleteFileset removes the remote fileset entirely.
func (c *Client) DeleteFileset(ctx context.Context, fileset string) error {
	return c.do(ctx, "delete-fileset", http.MethodDelete, "/v1/filesets/"+fileset, nil, nil)
}

type searchRequest struct {
	Prompt         string `json:"prompt"`
	ScopingQuery   string `json:"scoping_query,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	Limit          int    `json:"limit"`
}

type searchResponse struct {
	Results []struct {
		Location string  `json:"location"`
		Distance float64 `json:"distance"`
		Chunk    struct {
			Text      string `json:"text"`
			LineRange struct {
				Start int `json:"start"`
				End   int `json:"end"`
			} `json:"line_range"`
		} `json:"chunk"`
	} `json:"results"`
}

// SearchResult is one structured hit mapped into the caller's chunk-and-score
// shape.
type SearchResult struct {
	Path      string
	StartLine int
	EndLine   int
	Score     float64
	Text      string
}

// SearchParams scope a remote query. An empty Fileset queries the server's
// primary index instead of a published fileset.
type SearchParams struct {
	Fileset        string
	Prompt         string
	EmbeddingModel string
	Limit          int
}

// Search runs a remote query against a fileset.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	scoping := ""
	if params.Fileset != "" {
		scoping = "fileset:" + params.Fileset
	}
	var resp searchResponse
	err := c.do(ctx, "search", http.MethodPost, "/v1/search", searchRequest{
		Prompt:         params.Prompt,
		ScopingQuery:   scoping,
		EmbeddingModel: params.EmbeddingModel,
		Limit:          params.Limit,
	}, &resp)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, SearchResult{
			Path:      r.Location,
			StartLine: r.Chunk.LineRange.Start,
			EndLine:   r.Chunk.LineRange.End,
			Score:     1 - r.Distance,
			Text:      r.Chunk.Text,
		})
	}
	return results, nil
}
