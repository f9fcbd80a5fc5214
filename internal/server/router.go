package server

import (
	"net/http"
	"time"

	"github.com/gciqs/gciqs/internal/analytics"
	"github.com/gciqs/gciqs/pkg/health"
	"github.com/gciqs/gciqs/pkg/metrics"
	"github.com/gciqs/gciqs/pkg/middleware"
)

// RouterConfig carries the middleware settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	CORS           middleware.CORSConfig
}

// NewRouter builds the HTTP handler.
//
// Route table:
//
//	POST   /query                      streaming answer (SSE, no timeout)
//	GET    /health                     index size probe
//	GET    /health/live                liveness
//	GET    /health/ready               readiness
//	GET    /api/v1/search              hybrid retrieval (cached)
//	GET    /api/v1/documents/{id}      document lookup
//	GET    /api/v1/index/stats         index statistics
//	POST   /api/v1/index/rebuild       rebuild + cache invalidation
//	GET    /api/v1/cache/stats         cache statistics
//	POST   /api/v1/cache/invalidate    flush cached results
//	GET    /api/v1/analytics           aggregated query statistics
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → Metrics → Timeout (non-streaming routes) → handler
//
// analyticsHandler, checker and m may be nil.
func NewRouter(h *Handler, analyticsHandler *analytics.Handler, checker *health.Checker, m *metrics.Metrics, cfg RouterConfig) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /health", h.Health)
	api.HandleFunc("GET /api/v1/search", h.Search)
	api.HandleFunc("GET /api/v1/documents/{id}", h.GetDocument)
	api.HandleFunc("GET /api/v1/index/stats", h.IndexStats)
	api.HandleFunc("POST /api/v1/index/rebuild", h.Rebuild)
	api.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	api.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	if analyticsHandler != nil {
		api.HandleFunc("GET /api/v1/analytics", analyticsHandler.Stats)
	}
	if checker != nil {
		api.HandleFunc("GET /health/live", checker.LiveHandler())
		api.HandleFunc("GET /health/ready", checker.ReadyHandler())
	}

	root := http.NewServeMux()
	root.HandleFunc("POST /query", h.Query)
	root.Handle("/", middleware.Timeout(cfg.RequestTimeout)(api))

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.CORS(cfg.CORS),
	}
	if m != nil {
		mws = append(mws, middleware.Metrics(m))
	}
	return middleware.Chain(root, mws...)
}
