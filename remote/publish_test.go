package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sembridge/sembridge/localindex"
	"github.com/sembridge/sembridge/throttle"
)

// fakeSource serves a fixed candidate set backed by real temp files.
type fakeSource struct {
	candidates []localindex.Candidate
}

func (s *fakeSource) IngestCandidates(ctx context.Context) ([]localindex.Candidate, error) {
	return s.candidates, nil
}

func newFakeSource(t *testing.T, files map[string]string) *fakeSource {
	t.Helper()
	dir := t.TempDir()
	src := &fakeSource{}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
		src.candidates = append(src.candidates, localindex.Candidate{
			Path:    path,
			RelPath: rel,
			Digest:  localindex.ContentDigest(rel, []byte(content)),
			Size:    int64(len(content)),
		})
	}
	return src
}

// fakeServer scripts the ingest protocol and records every call.
type fakeServer struct {
	mu       sync.Mutex
	calls    []string
	uploads  map[string]int // file_path -> upload count
	ranges   []*CodedSymbolRange
	pages    [][]string
	upToDate bool
}

func (f *fakeServer) record(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/create-ingest", func(w http.ResponseWriter, r *http.Request) {
		f.record("create-ingest")
		var req createIngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad create-ingest body: %v", err)
		}
		if f.upToDate {
			json.NewEncoder(w).Encode(IngestSession{})
			return
		}
		var first *CodedSymbolRange
		if len(f.ranges) > 0 {
			first = f.ranges[0]
		}
		json.NewEncoder(w).Encode(IngestSession{IngestID: "ing-1", Range: first})
	})

	mux.HandleFunc("/v1/push-coded-symbols", func(w http.ResponseWriter, r *http.Request) {
		n := f.record("push-coded-symbols")
		var req pushCodedSymbolsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad push body: %v", err)
		}
		var next *CodedSymbolRange
		if n < len(f.ranges) {
			next = f.ranges[n]
		}
		json.NewEncoder(w).Encode(pushCodedSymbolsResponse{NextRange: next})
	})

	mux.HandleFunc("/v1/get-batch", func(w http.ResponseWriter, r *http.Request) {
		n := f.record("get-batch")
		resp := BatchPage{}
		if n <= len(f.pages) {
			resp.DocIDs = f.pages[n-1]
			if n < len(f.pages) {
				resp.NextPageToken = "page"
			}
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/v1/upload-document", func(w http.ResponseWriter, r *http.Request) {
		f.record("upload-document")
		var req uploadDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad upload body: %v", err)
		}
		f.mu.Lock()
		if f.uploads == nil {
			f.uploads = make(map[string]int)
		}
		f.uploads[req.FilePath]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/finalize", func(w http.ResponseWriter, r *http.Request) {
		f.record("finalize")
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func (f *fakeServer) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func newTestPublisher(t *testing.T, srv *httptest.Server, source CandidateSource) *Publisher {
	t.Helper()
	limiter := throttle.NewAdaptiveRateClient(80)
	client := NewClient(srv.URL, limiter, WithHTTPClient(srv.Client()))
	return NewPublisher(client, source, "ws-test")
}

func TestPublishShortCircuitWhenUpToDate(t *testing.T) {
	fake := &fakeServer{upToDate: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	source := newFakeSource(t, map[string]string{"a.go": "package a\n"})
	pub := newTestPublisher(t, srv, source)

	stats, err := pub.Publish(context.Background())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !stats.UpToDate {
		t.Error("stats should report up-to-date")
	}
	if got := len(fake.calls); got != 1 {
		t.Errorf("server saw %d calls (%v), want only create-ingest", got, fake.calls)
	}
}

func TestPublishRunsReconciliationLoopToNilRange(t *testing.T) {
	fake := &fakeServer{
		ranges: []*CodedSymbolRange{
			{Start: "0000000000000000", End: "8000000000000000", Cells: 4},
			{Start: "8000000000000000", End: "", Cells: 4},
			{Start: "4000000000000000", End: "6000000000000000", Cells: 2},
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	source := newFakeSource(t, map[string]string{"a.go": "package a\n"})
	pub := newTestPublisher(t, srv, source)

	if _, err := pub.Publish(context.Background()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Three ranges: create-ingest carries the first, then one push per
	// range, with the last push answered by a nil next range.
	if got := fake.callCount("push-coded-symbols"); got != 3 {
		t.Errorf("push-coded-symbols called %d times, want 3", got)
	}
	if got := fake.callCount("finalize"); got != 1 {
		t.Errorf("finalize called %d times, want 1", got)
	}
}

func TestPublishUploadsWantedDocumentsDeduplicated(t *testing.T) {
	source := newFakeSource(t, map[string]string{
		"a.go": "package a\n",
		"b.go": "package b\n",
		"c.go": "package c\n",
	})

	digestOf := make(map[string]string)
	for _, cand := range source.candidates {
		digestOf[cand.RelPath] = cand.Digest
	}

	fake := &fakeServer{
		ranges: []*CodedSymbolRange{{Start: "0000000000000000", End: "", Cells: 4}},
		pages: [][]string{
			{digestOf["a.go"], digestOf["b.go"]},
			// b.go repeats across pages, plus a digest nothing local answers to.
			{digestOf["b.go"], digestOf["c.go"], fakeDigest(999)},
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	pub := newTestPublisher(t, srv, source)
	stats, err := pub.Publish(context.Background())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if stats.Uploaded != 3 {
		t.Errorf("uploaded = %d, want 3", stats.Uploaded)
	}
	if stats.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 (unknown digest)", stats.Skipped)
	}
	for _, rel := range []string{"a.go", "b.go", "c.go"} {
		if fake.uploads[rel] != 1 {
			t.Errorf("%s uploaded %d times, want exactly 1", rel, fake.uploads[rel])
		}
	}
}

func TestPublishSurfacesTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	source := newFakeSource(t, map[string]string{"a.go": "package a\n"})
	pub := newTestPublisher(t, srv, source)

	_, err := pub.Publish(context.Background())
	if err == nil {
		t.Fatal("publish should fail on 503")
	}
	if !IsTransport(err) {
		t.Errorf("error %v should classify as transport", err)
	}
}

func TestPublishRejectsMalformedCreateResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	source := newFakeSource(t, map[string]string{"a.go": "package a\n"})
	pub := newTestPublisher(t, srv, source)

	_, err := pub.Publish(context.Background())
	if err == nil {
		t.Fatal("publish should fail on undecodable body")
	}
	if !IsProtocol(err) {
		t.Errorf("error %v should classify as protocol", err)
	}
}

func TestSearchMapsHitsToChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set(quotaHeader, "42.5")
		w.Write([]byte(`{"results":[
			{"location":"src/a.go","distance":0.25,"chunk":{"text":"func A()","line_range":{"start":10,"end":20}}},
			{"location":"src/b.go","distance":0.5,"chunk":{"text":"func B()","line_range":{"start":1,"end":5}}}
		]}`))
	}))
	defer srv.Close()

	limiter := throttle.NewAdaptiveRateClient(80)
	client := NewClient(srv.URL, limiter, WithHTTPClient(srv.Client()))

	results, err := client.Search(context.Background(), SearchParams{
		Fileset: "ws-test",
		Prompt:  "where is A",
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Path != "src/a.go" || results[0].StartLine != 10 || results[0].EndLine != 20 {
		t.Errorf("first result mapped wrong: %+v", results[0])
	}
	if results[0].Score != 0.75 {
		t.Errorf("score = %v, want 0.75 (1 - distance)", results[0].Score)
	}
}
