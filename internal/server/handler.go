// Package server exposes the retriever over HTTP: the streaming question
// answering endpoint, a JSON search API, document lookup, index and cache
// administration, and health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gciqs/gciqs/internal/analytics"
	"github.com/gciqs/gciqs/internal/corpus"
	"github.com/gciqs/gciqs/internal/retrieval"
	"github.com/gciqs/gciqs/internal/server/cache"
	apperrors "github.com/gciqs/gciqs/pkg/errors"
	"github.com/gciqs/gciqs/pkg/kafka"
	"github.com/gciqs/gciqs/pkg/logger"
	"github.com/gciqs/gciqs/pkg/middleware"
	"github.com/gciqs/gciqs/pkg/tracing"
)

const maxBodyBytes = 1 << 20

// Retriever is the subset of *retrieval.Retriever the handlers use.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Hit, error)
	Build(ctx context.Context) error
	CorpusSize() int
	Generation() uint64
	Stats() retrieval.Stats
}

// Generator streams an answer grounded in docs. *llm.Client implements it.
type Generator interface {
	Stream(ctx context.Context, query string, docs []corpus.Document, onToken func(string) error) error
}

// EventPublisher publishes index lifecycle events. *kafka.Producer
// implements it.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Tracker records query events. *analytics.Collector implements it.
type Tracker interface {
	Track(event analytics.QueryEvent)
}

// Deps are the collaborators of a Handler. Retriever and Documents are
// required; the rest may be nil.
type Deps struct {
	Retriever   Retriever
	Documents   corpus.Source
	Generator   Generator
	Cache       *cache.SearchCache
	Tracker     Tracker
	Publisher   EventPublisher
	DefaultTopK int
	MaxTopK     int

	// TraceSampleRate is the fraction of searches logged as span trees.
	TraceSampleRate float64
}

// Handler serves the HTTP API.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler returns a Handler. Non-positive top-k limits default to 5 and 10.
func NewHandler(deps Deps) *Handler {
	if deps.DefaultTopK <= 0 {
		deps.DefaultTopK = 5
	}
	if deps.MaxTopK <= 0 {
		deps.MaxTopK = 10
	}
	return &Handler{
		deps:   deps,
		logger: slog.Default().With("component", "http-handler"),
	}
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k"`
}

// reference is a retrieved document as sent in the references event.
type reference struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Type       string   `json:"type"`
	Gene       string   `json:"gene"`
	Score      float64  `json:"score"`
	References []string `json:"references"`
}

// Query answers POST /query with a server-sent event stream: the retrieved
// references, one event per generated token, an error event if generation
// fails, and a final done event.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query field is required")
		return
	}
	topK := h.deps.DefaultTopK
	if req.TopK != nil {
		topK = min(*req.TopK, h.deps.MaxTopK)
	}

	hits, cacheHit, err := h.search(ctx, query, topK)
	if err != nil {
		log.Error("retrieval failed", "query", query, "error", err)
		h.writeAppError(w, err)
		return
	}

	events, err := newEventWriter(w)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	refs := make([]reference, len(hits))
	docs := make([]corpus.Document, len(hits))
	for i, hit := range hits {
		refs[i] = reference{
			ID:         hit.ID,
			Title:      hit.Title,
			Type:       hit.Type,
			Gene:       hit.Gene,
			Score:      hit.Score,
			References: hit.References,
		}
		if refs[i].References == nil {
			refs[i].References = []string{}
		}
		docs[i] = hit.Document
	}
	if err := events.send(EventReferences, refs); err != nil {
		log.Warn("client went away before references were sent", "error", err)
		return
	}

	var llmErr string
	if h.deps.Generator == nil {
		llmErr = apperrors.ErrNotConfigured.Error() + ": no language model configured"
	} else {
		err := h.deps.Generator.Stream(ctx, query, docs, func(token string) error {
			return events.send(EventToken, token)
		})
		if err != nil {
			llmErr = err.Error()
		}
	}
	if ctx.Err() != nil {
		log.Info("query stream cancelled by client", "query", query)
		return
	}
	if llmErr != "" {
		log.Warn("answer generation failed", "query", query, "error", llmErr)
		_ = events.send(EventError, llmErr)
	}
	_ = events.send(EventDone, nil)

	h.track(ctx, query, topK, hits, cacheHit, true, llmErr, start)
	log.Info("query answered",
		"query", query,
		"top_k", topK,
		"returned", len(hits),
		"cache_hit", cacheHit,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

// Health answers GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"index_size": h.deps.Retriever.CorpusSize(),
		"timestamp":  float64(time.Now().UnixNano()) / 1e9,
	})
}

type searchResponse struct {
	Query      string          `json:"query"`
	TopK       int             `json:"top_k"`
	Count      int             `json:"count"`
	CacheHit   bool            `json:"cache_hit"`
	Generation uint64          `json:"generation"`
	Results    []retrieval.Hit `json:"results"`
	LatencyMs  int64           `json:"latency_ms"`
}

// Search answers GET /api/v1/search?q=&limit= with the retrieved documents.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	limit := h.deps.DefaultTopK
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeAppError(w, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
				"limit must be a positive integer, got %q", limitStr))
			return
		}
		limit = min(parsed, h.deps.MaxTopK)
	}

	hits, cacheHit, err := h.search(ctx, query, limit)
	if err != nil {
		log.Error("search failed", "query", query, "error", err)
		h.writeAppError(w, err)
		return
	}
	latency := time.Since(start)
	h.track(ctx, query, limit, hits, cacheHit, false, "", start)
	log.Info("search completed",
		"query", query,
		"returned", len(hits),
		"cache_hit", cacheHit,
		"latency_ms", latency.Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, searchResponse{
		Query:      query,
		TopK:       limit,
		Count:      len(hits),
		CacheHit:   cacheHit,
		Generation: h.deps.Retriever.Generation(),
		Results:    hits,
		LatencyMs:  latency.Milliseconds(),
	})
}

// GetDocument answers GET /api/v1/documents/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := h.deps.Documents.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, apperrors.ErrDocumentNotFound) {
			logger.FromContext(r.Context()).Error("document lookup failed", "id", id, "error", err)
		}
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// IndexStats answers GET /api/v1/index/stats.
func (h *Handler) IndexStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Retriever.Stats())
}

// Rebuild answers POST /api/v1/index/rebuild. It rebuilds the index from the
// corpus, drops cached results and announces the new generation.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if err := h.deps.Retriever.Build(ctx); err != nil {
		log.Error("index rebuild failed", "error", err)
		h.writeAppError(w, err)
		return
	}
	stats := h.deps.Retriever.Stats()

	var invalidated int64
	if h.deps.Cache != nil {
		n, err := h.deps.Cache.Invalidate(ctx)
		if err != nil {
			log.Warn("cache invalidation after rebuild failed", "error", err)
		}
		invalidated = n
	}
	if h.deps.Publisher != nil {
		event := analytics.IndexRebuiltEvent{
			Generation:  stats.Generation,
			Documents:   stats.Documents,
			Vocabulary:  stats.Vocabulary,
			DurationMs:  stats.BuildDuration.Milliseconds(),
			Invalidated: invalidated,
			Timestamp:   time.Now().UTC(),
		}
		key := strconv.FormatUint(stats.Generation, 10)
		if err := h.deps.Publisher.Publish(ctx, kafka.Event{Key: key, Value: event}); err != nil {
			log.Warn("failed to publish index rebuilt event", "error", err)
		}
	}

	log.Info("index rebuilt", "generation", stats.Generation, "documents", stats.Documents)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "rebuilt",
		"index":       stats,
		"invalidated": invalidated,
	})
}

// CacheStats answers GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	stats := h.deps.Cache.Stats()
	hits := stats.LocalHits + stats.RemoteHits
	total := hits + stats.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"stats":    stats,
		"hits":     hits,
		"total":    total,
		"hit_rate": hitRate,
	})
}

// CacheInvalidate answers POST /api/v1/cache/invalidate.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	n, err := h.deps.Cache.Invalidate(r.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "deleted": n})
}

func (h *Handler) search(ctx context.Context, query string, topK int) ([]retrieval.Hit, bool, error) {
	if h.deps.TraceSampleRate > 0 && rand.Float64() < h.deps.TraceSampleRate {
		var span *tracing.Span
		ctx, span = tracing.StartSpan(ctx, "search", middleware.GetRequestID(ctx))
		span.SetAttr("top_k", topK)
		defer func() {
			span.End()
			span.Log(logger.FromContext(ctx))
		}()
	}
	if h.deps.Cache == nil || topK <= 0 {
		hits, err := h.deps.Retriever.Search(ctx, query, topK)
		return hits, false, err
	}
	return h.deps.Cache.GetOrCompute(ctx, query, topK, h.deps.Retriever.Generation(), func() ([]retrieval.Hit, error) {
		return h.deps.Retriever.Search(ctx, query, topK)
	})
}

func (h *Handler) track(ctx context.Context, query string, topK int, hits []retrieval.Hit, cacheHit, streamed bool, llmErr string, start time.Time) {
	if h.deps.Tracker == nil {
		return
	}
	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	h.deps.Tracker.Track(analytics.QueryEvent{
		Query:     query,
		TopK:      topK,
		Returned:  len(hits),
		DocIDs:    ids,
		LatencyMs: time.Since(start).Milliseconds(),
		CacheHit:  cacheHit,
		Streamed:  streamed,
		LLMError:  llmErr,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(ctx),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps err to a status code. Internal errors are not echoed.
func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	status, message := apperrors.Public(err)
	h.writeError(w, status, message)
}
