package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gciqs/gciqs/internal/analytics"
	"github.com/gciqs/gciqs/internal/corpus"
	"github.com/gciqs/gciqs/internal/retrieval"
	"github.com/gciqs/gciqs/internal/server/cache"
	"github.com/gciqs/gciqs/pkg/kafka"
	"github.com/gciqs/gciqs/pkg/middleware"
)

type fakeGenerator struct {
	mu     sync.Mutex
	tokens []string
	err    error
	docs   []corpus.Document
}

func (g *fakeGenerator) Stream(_ context.Context, _ string, docs []corpus.Document, onToken func(string) error) error {
	g.mu.Lock()
	g.docs = docs
	g.mu.Unlock()
	for _, t := range g.tokens {
		if err := onToken(t); err != nil {
			return err
		}
	}
	return g.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (p *fakePublisher) Publish(_ context.Context, event kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fakeTracker struct {
	mu     sync.Mutex
	events []analytics.QueryEvent
}

func (t *fakeTracker) Track(event analytics.QueryEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

type failingRetriever struct {
	*retrieval.Retriever
	err error
}

func (f failingRetriever) Search(context.Context, string, int) ([]retrieval.Hit, error) {
	return nil, f.err
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	source, err := corpus.Embedded()
	require.NoError(t, err)
	r := retrieval.New(source, retrieval.DefaultOptions())
	require.NoError(t, r.Build(context.Background()))
	return Deps{
		Retriever: r,
		Documents: source,
		Generator: &fakeGenerator{tokens: []string{"KRAS ", "is ", "an oncogene."}},
		Cache:     cache.New(nil, cache.Options{TTL: time.Minute}),
	}
}

func newTestRouter(deps Deps) http.Handler {
	cors := middleware.DefaultCORSConfig()
	return NewRouter(NewHandler(deps), nil, nil, nil, RouterConfig{RequestTimeout: 5 * time.Second, CORS: cors})
}

func postQuery(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type streamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func parseEvents(t *testing.T, body string) []streamEvent {
	t.Helper()
	var out []streamEvent
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func TestQueryStreamsReferencesTokensDone(t *testing.T) {
	deps := newTestDeps(t)
	rec := postQuery(t, newTestRouter(deps), `{"query":"KRAS G12C inhibitor sotorasib","top_k":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 5)
	assert.Equal(t, EventReferences, events[0].Type)
	assert.Equal(t, EventToken, events[1].Type)
	assert.JSONEq(t, `"KRAS "`, string(events[1].Data))
	assert.Equal(t, EventToken, events[3].Type)
	assert.Equal(t, EventDone, events[4].Type)
	assert.Empty(t, events[4].Data)

	var refs []map[string]any
	require.NoError(t, json.Unmarshal(events[0].Data, &refs))
	require.NotEmpty(t, refs)
	assert.LessOrEqual(t, len(refs), 3)
	assert.Equal(t, "KRAS", refs[0]["gene"])
	for _, key := range []string{"id", "title", "type", "gene", "score", "references"} {
		assert.Contains(t, refs[0], key)
	}
	assert.NotContains(t, refs[0], "content")

	gen := deps.Generator.(*fakeGenerator)
	assert.Len(t, gen.docs, len(refs))
	assert.NotEmpty(t, gen.docs[0].Content)
}

func TestQueryRejectsBlankQuery(t *testing.T) {
	h := newTestRouter(newTestDeps(t))
	for _, body := range []string{`{"query":"   "}`, `{}`, ``} {
		rec := postQuery(t, h, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.JSONEq(t, `{"error":"query field is required"}`, rec.Body.String())
	}
}

func TestQueryRejectsMalformedJSON(t *testing.T) {
	rec := postQuery(t, newTestRouter(newTestDeps(t)), `{"query":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryClampsTopK(t *testing.T) {
	deps := newTestDeps(t)
	rec := postQuery(t, newTestRouter(deps), `{"query":"gene mutation cancer variant","top_k":50}`)

	events := parseEvents(t, rec.Body.String())
	var refs []reference
	require.NoError(t, json.Unmarshal(events[0].Data, &refs))
	assert.NotEmpty(t, refs)
	assert.LessOrEqual(t, len(refs), 10)
}

func TestQueryNonPositiveTopKRetrievesNothing(t *testing.T) {
	deps := newTestDeps(t)
	rec := postQuery(t, newTestRouter(deps), `{"query":"KRAS","top_k":0}`)

	events := parseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.JSONEq(t, `[]`, string(events[0].Data))
	assert.Empty(t, deps.Generator.(*fakeGenerator).docs)
}

func TestQueryGeneratorFailureEmitsErrorThenDone(t *testing.T) {
	deps := newTestDeps(t)
	deps.Generator = &fakeGenerator{tokens: []string{"partial"}, err: errors.New("upstream error: status 500")}
	tracker := &fakeTracker{}
	deps.Tracker = tracker

	events := parseEvents(t, postQuery(t, newTestRouter(deps), `{"query":"BRCA1"}`).Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, EventToken, events[1].Type)
	assert.Equal(t, EventError, events[2].Type)
	assert.JSONEq(t, `"upstream error: status 500"`, string(events[2].Data))
	assert.Equal(t, EventDone, events[3].Type)

	require.Len(t, tracker.events, 1)
	assert.True(t, tracker.events[0].Streamed)
	assert.Equal(t, "upstream error: status 500", tracker.events[0].LLMError)
}

func TestQueryWithoutGenerator(t *testing.T) {
	deps := newTestDeps(t)
	deps.Generator = nil

	events := parseEvents(t, postQuery(t, newTestRouter(deps), `{"query":"TP53"}`).Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, EventDone, events[2].Type)
}

func TestQueryRetrievalErrorIsJSON(t *testing.T) {
	deps := newTestDeps(t)
	deps.Retriever = failingRetriever{Retriever: deps.Retriever.(*retrieval.Retriever), err: retrieval.ErrNotBuilt}
	deps.Cache = nil

	rec := postQuery(t, newTestRouter(deps), `{"query":"TP53"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(newTestDeps(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(20), body["index_size"])
	assert.InDelta(t, float64(time.Now().Unix()), body["timestamp"], 5)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestSearchUsesCache(t *testing.T) {
	deps := newTestDeps(t)
	tracker := &fakeTracker{}
	deps.Tracker = tracker
	h := newTestRouter(deps)

	get := func() searchResponse {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=CRISPR+Cas9&limit=4", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body searchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	first := get()
	second := get()
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.LessOrEqual(t, first.Count, 4)
	assert.Equal(t, uint64(1), first.Generation)

	require.Len(t, tracker.events, 2)
	assert.False(t, tracker.events[0].Streamed)
	assert.True(t, tracker.events[1].CacheHit)
}

func TestSearchValidation(t *testing.T) {
	h := newTestRouter(newTestDeps(t))
	for _, target := range []string{"/api/v1/search", "/api/v1/search?q=kras&limit=0", "/api/v1/search?q=kras&limit=abc"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGetDocument(t *testing.T) {
	h := newTestRouter(newTestDeps(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/DOC-001", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var doc corpus.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "DOC-001", doc.ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/NOPE", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRebuildInvalidatesAndPublishes(t *testing.T) {
	deps := newTestDeps(t)
	pub := &fakePublisher{}
	deps.Publisher = pub
	h := newTestRouter(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=BRCA1", nil))
	require.Equal(t, 1, deps.Cache.Stats().LocalEntries)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/index/rebuild", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, uint64(2), deps.Retriever.Generation())
	assert.Zero(t, deps.Cache.Stats().LocalEntries)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "2", pub.events[0].Key)
	event := pub.events[0].Value.(analytics.IndexRebuiltEvent)
	assert.Equal(t, 20, event.Documents)
}

func TestIndexStats(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(newTestDeps(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/index/stats", nil))

	var stats retrieval.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.Built)
	assert.Equal(t, 20, stats.Documents)
}

func TestCacheEndpoints(t *testing.T) {
	deps := newTestDeps(t)
	h := newTestRouter(deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hit_rate"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	deps.Cache = nil
	h = newTestRouter(deps)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflightOnQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/query", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	newTestRouter(newTestDeps(t)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestQueryIsNotSubjectToRequestTimeout(t *testing.T) {
	deps := newTestDeps(t)
	deps.Generator = slowGenerator{delay: 50 * time.Millisecond}
	h := NewRouter(NewHandler(deps), nil, nil, nil, RouterConfig{RequestTimeout: 10 * time.Millisecond})

	events := parseEvents(t, postQuery(t, h, `{"query":"KRAS"}`).Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, EventToken, events[1].Type)
}

type slowGenerator struct{ delay time.Duration }

func (g slowGenerator) Stream(ctx context.Context, _ string, _ []corpus.Document, onToken func(string) error) error {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return onToken("late")
}
