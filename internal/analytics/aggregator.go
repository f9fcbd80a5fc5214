package analytics

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gciqs/gciqs/pkg/kafka"
)

const maxLatencySamples = 10000

// AggregatedStats summarizes the queries seen since start.
type AggregatedStats struct {
	TotalQueries      int64        `json:"total_queries"`
	StreamedQueries   int64        `json:"streamed_queries"`
	CacheHits         int64        `json:"cache_hits"`
	CacheMisses       int64        `json:"cache_misses"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	LLMErrors         int64        `json:"llm_errors"`
	AvgReturned       float64      `json:"avg_returned"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	P50LatencyMs      int64        `json:"p50_latency_ms"`
	P95LatencyMs      int64        `json:"p95_latency_ms"`
	P99LatencyMs      int64        `json:"p99_latency_ms"`
	TopQueries        []QueryCount `json:"top_queries"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	TopDocuments      []QueryCount `json:"top_documents"`
	QueriesPerMinute  float64      `json:"queries_per_minute"`
}

// QueryCount pairs a key (a query or a document id) with a count.
type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator accumulates QueryEvents. It is safe for concurrent use.
type Aggregator struct {
	mu                sync.RWMutex
	total             int64
	streamed          int64
	cacheHits         int64
	zeroResults       int64
	llmErrors         int64
	returned          int64
	latencies         []int64
	next              int
	queryCounts       map[string]int64
	zeroResultQueries map[string]int64
	docCounts         map[string]int64
	startTime         time.Time
	logger            *slog.Logger
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:         make([]int64, 0, 1024),
		queryCounts:       make(map[string]int64),
		zeroResultQueries: make(map[string]int64),
		docCounts:         make(map[string]int64),
		startTime:         time.Now(),
		logger:            slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent adapts the aggregator to a Kafka consumer.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(_ context.Context, _ []byte, value []byte) error {
		event, err := kafka.DecodeJSON[QueryEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode query event", "error", err)
			return err
		}
		agg.Record(event)
		return nil
	}
}

// Record adds one event. Latency samples are kept in a ring of the most
// recent maxLatencySamples.
func (a *Aggregator) Record(event QueryEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if event.Streamed {
		a.streamed++
	}
	if event.CacheHit {
		a.cacheHits++
	}
	if event.LLMError != "" {
		a.llmErrors++
	}
	a.returned += int64(event.Returned)

	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.next] = event.LatencyMs
		a.next = (a.next + 1) % maxLatencySamples
	}

	query := normalizeQuery(event.Query)
	a.queryCounts[query]++
	if event.Returned == 0 {
		a.zeroResults++
		a.zeroResultQueries[query]++
	}
	for _, id := range event.DocIDs {
		a.docCounts[id]++
	}
}

// Stats returns a point-in-time summary.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalQueries:    a.total,
		StreamedQueries: a.streamed,
		CacheHits:       a.cacheHits,
		CacheMisses:     a.total - a.cacheHits,
		ZeroResultCount: a.zeroResults,
		LLMErrors:       a.llmErrors,
	}
	if a.total > 0 {
		stats.AvgReturned = float64(a.returned) / float64(a.total)
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.ZeroResultQueries = topN(a.zeroResultQueries, 10)
	stats.TopDocuments = topN(a.docCounts, 10)
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalQueries) / elapsed
	}
	return stats
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN returns the n largest counts, ties broken by key.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for key, count := range counts {
		result = append(result, QueryCount{Query: key, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
