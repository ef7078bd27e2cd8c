package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	"github.com/JakeFAU/eu-tender-ingest/internal/ingest"
	"github.com/JakeFAU/eu-tender-ingest/internal/storage/memory"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

type fakeRunner struct {
	mu      sync.Mutex
	active  string
	started []ingest.RunOptions
	runs    map[string]ingest.Summary
	err     error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: map[string]ingest.Summary{}}
}

func (f *fakeRunner) Start(_ context.Context, opts ingest.RunOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.active != "" {
		return "", ingest.ErrRunInProgress
	}
	f.started = append(f.started, opts)
	f.active = fmt.Sprintf("run-%d", len(f.started))
	return f.active, nil
}

func (f *fakeRunner) Get(_ context.Context, runID string) (ingest.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum, ok := f.runs[runID]
	if !ok {
		return ingest.Summary{}, ingest.ErrRunNotFound
	}
	return sum, nil
}

func (f *fakeRunner) Active() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.active != ""
}

type failingStore struct{ tender.Store }

func (failingStore) Query(context.Context, tender.Query) ([]tender.Tender, error) {
	return nil, errors.New("connection refused")
}

func testConfig() config.Config {
	return config.Config{Ingest: config.IngestConfig{EnabledSources: "ted,boamp,place"}}
}

func seededStore(t *testing.T) *memory.TenderStore {
	t.Helper()
	store := memory.NewTenderStore()
	pub := time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC)
	canonical := tender.Key{SourceID: "boamp", SourceRef: "25-1"}
	for _, r := range []tender.Tender{
		{SourceID: "boamp", SourceRef: "25-1", Title: "Road works", BuyerCountry: "FR", PublicationDate: &pub, CategoryCodes: []string{"45233141"}, IsCanonical: true},
		{SourceID: "ted", SourceRef: "T-1", Title: "Road works", BuyerCountry: "FR", PublicationDate: &pub, DuplicateOf: &canonical},
		{SourceID: "place", SourceRef: "P-1", Title: "Catering", BuyerCountry: "ES", PublicationDate: &pub, IsCanonical: true, IsShadow: true},
	} {
		_, err := store.Upsert(context.Background(), r)
		require.NoError(t, err)
	}
	return store
}

func serve(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_StartRun_Accepted(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	server := NewServer(testConfig(), runner, memory.NewTenderStore(), zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/runs", []byte(`{"limits":{"TED":25},"since":"2025-10-01"}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body["run_id"])
	require.Equal(t, "/v1/runs/run-1", body["status_url"])

	require.Len(t, runner.started, 1)
	opts := runner.started[0]
	require.Equal(t, ingest.TriggerAPI, opts.Trigger)
	require.Equal(t, map[tender.SourceID]int{"ted": 25}, opts.Limits)
	require.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), *opts.Since)
}

func TestServer_StartRun_EmptyBody(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	server := NewServer(testConfig(), runner, memory.NewTenderStore(), zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Nil(t, runner.started[0].Limits)
	require.Nil(t, runner.started[0].Since)
}

func TestServer_StartRun_Conflict(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.active = "run-0"
	server := NewServer(testConfig(), runner, memory.NewTenderStore(), zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/runs", []byte(`{}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "run-0")
}

func TestServer_StartRun_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invalid json":     `{invalid`,
		"unknown source":   `{"limits":{"evergabe":10}}`,
		"non-positive":     `{"limits":{"ted":0}}`,
		"bad since format": `{"since":"01/10/2025"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			runner := newFakeRunner()
			server := NewServer(testConfig(), runner, memory.NewTenderStore(), zap.NewNop())
			rec := serve(t, server, http.MethodPost, "/v1/runs", []byte(body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Empty(t, runner.started)
		})
	}
}

func TestServer_StartRun_InternalError(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.err = errors.New("run store down")
	server := NewServer(testConfig(), runner, memory.NewTenderStore(), zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "run store down")
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.runs["run-7"] = ingest.Summary{RunID: "run-7", Status: ingest.StatusPartial, Unwritten: 2}
	server := NewServer(testConfig(), runner, memory.NewTenderStore(), zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/runs/run-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum ingest.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Equal(t, ingest.StatusPartial, sum.Status)
	require.Equal(t, 2, sum.Unwritten)

	rec = serve(t, server, http.MethodGet, "/v1/runs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListTenders_DefaultVisibility(t *testing.T) {
	t.Parallel()

	server := NewServer(testConfig(), newFakeRunner(), seededStore(t), zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/tenders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tenders []tender.Tender `json:"tenders"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "25-1", body.Tenders[0].SourceRef)

	rec = serve(t, server, http.MethodGet, "/v1/tenders?include=all", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Count)

	rec = serve(t, server, http.MethodGet, "/v1/tenders?include=duplicates&country=fr&category=45233141-8", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
}

func TestServer_ListTenders_BadParameters(t *testing.T) {
	t.Parallel()

	server := NewServer(testConfig(), newFakeRunner(), seededStore(t), zap.NewNop())
	for _, target := range []string{
		"/v1/tenders?country=Atlantis",
		"/v1/tenders?category=roads",
		"/v1/tenders?since=yesterday",
		"/v1/tenders?limit=-1",
		"/v1/tenders?include=everything",
	} {
		rec := serve(t, server, http.MethodGet, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestParseTenderQuery(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/v1/tenders?country=el&source=TED&since=2025-10-01&before=2025-10-08&limit=9999&offset=5&include=shadow", nil)
	q, err := parseTenderQuery(req)
	require.NoError(t, err)
	require.Equal(t, "GR", q.Country)
	require.Equal(t, tender.SourceID("ted"), q.SourceID)
	require.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), *q.PublishedSince)
	require.Equal(t, time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC), *q.PublishedBefore)
	require.Equal(t, maxPageSize, q.Limit)
	require.Equal(t, 5, q.Offset)
	require.True(t, q.IncludeShadow)
	require.False(t, q.IncludeDuplicates)
}

func TestServer_GetTender(t *testing.T) {
	t.Parallel()

	server := NewServer(testConfig(), newFakeRunner(), seededStore(t), zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/tenders/ted/T-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"duplicate_of":{"source_id":"boamp","source_ref":"25-1"}`)

	rec = serve(t, server, http.MethodGet, "/v1/tenders/ted/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server := NewServer(testConfig(), newFakeRunner(), memory.NewTenderStore(), zap.NewNop())
	require.Equal(t, http.StatusOK, serve(t, server, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, server, http.MethodGet, "/readyz", nil).Code)

	metrics := serve(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, metrics.Code)
	require.Contains(t, metrics.Body.String(), "http_requests_total")

	broken := NewServer(testConfig(), newFakeRunner(), failingStore{}, zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, serve(t, broken, http.MethodGet, "/readyz", nil).Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	runner := newFakeRunner()
	runner.runs["run-1"] = ingest.Summary{RunID: "run-1"}
	server := NewServer(cfg, runner, memory.NewTenderStore(), zap.NewNop())

	require.Equal(t, http.StatusForbidden, serve(t, server, http.MethodGet, "/v1/runs/run-1", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, server, http.MethodGet, "/v1/runs/run-1?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, server, http.MethodGet, "/healthz", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(testConfig(), newFakeRunner(), memory.NewTenderStore(), zap.NewNop())
	rec := serve(t, server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
