// Package analytics tracks query events. The Collector batches events to
// Kafka (or straight into a local Aggregator when Kafka is off), and the
// Aggregator turns them into usage statistics served over HTTP.
package analytics

import "time"

// QueryEvent describes one retrieval request.
type QueryEvent struct {
	Query     string    `json:"query"`
	TopK      int       `json:"top_k"`
	Returned  int       `json:"returned"`
	DocIDs    []string  `json:"doc_ids"`
	LatencyMs int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	Streamed  bool      `json:"streamed"`
	LLMError  string    `json:"llm_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// IndexRebuiltEvent is published after a successful explicit rebuild.
type IndexRebuiltEvent struct {
	Generation  uint64    `json:"generation"`
	Documents   int       `json:"documents"`
	Vocabulary  int       `json:"vocabulary"`
	DurationMs  int64     `json:"duration_ms"`
	Invalidated int64     `json:"invalidated"`
	Timestamp   time.Time `json:"timestamp"`
}
