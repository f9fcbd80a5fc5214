package analytics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Handler serves the aggregate over HTTP. The optional top query parameter
// shortens the ranked lists; it never lengthens them past what Stats keeps.
type Handler struct {
	aggregator *Aggregator
	logger     *slog.Logger
}

func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{
		aggregator: aggregator,
		logger:     slog.Default().With("component", "analytics-handler"),
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.aggregator.Stats()
	status := http.StatusOK
	var body any = stats
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			status = http.StatusBadRequest
			body = map[string]string{"error": "top must be a non-negative integer"}
		} else {
			stats.TopQueries = truncate(stats.TopQueries, n)
			stats.ZeroResultQueries = truncate(stats.ZeroResultQueries, n)
			stats.TopDocuments = truncate(stats.TopDocuments, n)
			body = stats
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write analytics response", "error", err)
	}
}

func truncate(counts []QueryCount, n int) []QueryCount {
	return counts[:min(n, len(counts))]
}
