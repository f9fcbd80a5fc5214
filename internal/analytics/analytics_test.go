package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gciqs/gciqs/pkg/kafka"
	"github.com/gciqs/gciqs/pkg/metrics"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *recordingPublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestAggregatorCountsAndPercentiles(t *testing.T) {
	agg := NewAggregator()
	for i := 1; i <= 100; i++ {
		agg.Record(QueryEvent{
			Query:     "KRAS mutations",
			Returned:  5,
			DocIDs:    []string{"D1", "D2"},
			LatencyMs: int64(i),
			CacheHit:  i%2 == 0,
			Streamed:  i <= 10,
		})
	}
	agg.Record(QueryEvent{Query: "zzz", Returned: 0, LatencyMs: 1, LLMError: "upstream"})

	stats := agg.Stats()
	assert.Equal(t, int64(101), stats.TotalQueries)
	assert.Equal(t, int64(10), stats.StreamedQueries)
	assert.Equal(t, int64(50), stats.CacheHits)
	assert.Equal(t, int64(51), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.ZeroResultCount)
	assert.Equal(t, int64(1), stats.LLMErrors)
	assert.InDelta(t, 500.0/101.0, stats.AvgReturned, 1e-9)
	assert.Equal(t, int64(50), stats.P50LatencyMs)
	assert.Equal(t, int64(95), stats.P95LatencyMs)

	require.NotEmpty(t, stats.TopQueries)
	assert.Equal(t, QueryCount{Query: "kras mutations", Count: 100}, stats.TopQueries[0])
	assert.Equal(t, []QueryCount{{Query: "zzz", Count: 1}}, stats.ZeroResultQueries)
	assert.Equal(t, []QueryCount{{Query: "D1", Count: 100}, {Query: "D2", Count: 100}}, stats.TopDocuments)
}

func TestAggregatorNormalizesQueries(t *testing.T) {
	agg := NewAggregator()
	agg.Record(QueryEvent{Query: "  BRCA1   risk ", Returned: 1})
	agg.Record(QueryEvent{Query: "brca1 risk", Returned: 1})

	assert.Equal(t, []QueryCount{{Query: "brca1 risk", Count: 2}}, agg.Stats().TopQueries)
}

func TestAggregatorLatencyRingIsBounded(t *testing.T) {
	agg := NewAggregator()
	for range maxLatencySamples + 50 {
		agg.Record(QueryEvent{Query: "q", LatencyMs: 7})
	}
	agg.mu.RLock()
	defer agg.mu.RUnlock()
	assert.Len(t, agg.latencies, maxLatencySamples)
	assert.Equal(t, 50, agg.next)
}

func TestAggregatorEmpty(t *testing.T) {
	stats := NewAggregator().Stats()
	assert.Zero(t, stats.TotalQueries)
	assert.Zero(t, stats.P99LatencyMs)
	assert.Empty(t, stats.TopQueries)
}

func TestHandleEvent(t *testing.T) {
	agg := NewAggregator()
	handler := HandleEvent(agg)

	value, err := json.Marshal(QueryEvent{Query: "tp53", Returned: 3})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), []byte("tp53"), value))
	assert.Equal(t, int64(1), agg.Stats().TotalQueries)

	assert.Error(t, handler(context.Background(), nil, []byte("{not json")))
	assert.Equal(t, int64(1), agg.Stats().TotalQueries)
}

func TestCollectorLocalSink(t *testing.T) {
	agg := NewAggregator()
	c := NewCollector(nil, agg.Record, CollectorOptions{BatchSize: 2, FlushInterval: time.Hour})
	c.Start(context.Background())

	for i := range 5 {
		c.Track(QueryEvent{Query: fmt.Sprintf("q%d", i), Returned: 1})
	}
	c.Close()

	assert.Equal(t, int64(5), agg.Stats().TotalQueries)
}

func TestCollectorPublishesBatches(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(pub, nil, CollectorOptions{BatchSize: 3, FlushInterval: time.Hour})
	c.Start(context.Background())

	for range 7 {
		c.Track(QueryEvent{Query: "egfr"})
	}
	c.Close()

	assert.Equal(t, 7, pub.count())
	require.NotEmpty(t, pub.batches)
	assert.Len(t, pub.batches[0], 3)
	assert.Equal(t, "egfr", pub.batches[0][0].Key)
}

func TestCollectorFlushesOnInterval(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(pub, nil, CollectorOptions{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	c.Start(context.Background())
	defer c.Close()

	c.Track(QueryEvent{Query: "apoe"})
	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCollectorFlushesOnContextCancel(t *testing.T) {
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCollector(pub, nil, CollectorOptions{BatchSize: 100, FlushInterval: time.Hour})
	c.Start(ctx)

	c.Track(QueryEvent{Query: "a"})
	c.Track(QueryEvent{Query: "b"})
	cancel()
	<-c.done

	assert.Equal(t, 2, pub.count())
}

func TestCollectorCountsPublishFailures(t *testing.T) {
	m := metrics.New()
	pub := &recordingPublisher{err: errors.New("broker down")}
	c := NewCollector(pub, nil, CollectorOptions{BatchSize: 2, FlushInterval: time.Hour, Metrics: m})
	c.Start(context.Background())

	c.Track(QueryEvent{Query: "a"})
	c.Track(QueryEvent{Query: "b"})
	c.Close()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnalyticsEventsDropped))
}

func TestCollectorTrackRacingClose(t *testing.T) {
	agg := NewAggregator()
	c := NewCollector(nil, agg.Record, CollectorOptions{BatchSize: 4, FlushInterval: time.Millisecond})
	c.Start(context.Background())

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 500 {
				c.Track(QueryEvent{Query: "myc"})
			}
		})
	}
	wg.Go(c.Close)
	wg.Wait()

	assert.NotPanics(t, func() { c.Track(QueryEvent{Query: "late"}) })
	assert.NotPanics(t, c.Close)
	assert.LessOrEqual(t, agg.Stats().TotalQueries, int64(8*500))
}

func TestCollectorDropsWhenBufferFull(t *testing.T) {
	m := metrics.New()
	c := NewCollector(nil, nil, CollectorOptions{BufferSize: 1, Metrics: m})

	c.Track(QueryEvent{Query: "a"})
	c.Track(QueryEvent{Query: "b"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnalyticsEventsDropped))
}

func TestHandlerStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(QueryEvent{Query: "brca2", Returned: 2, DocIDs: []string{"D4"}})

	rec := httptest.NewRecorder()
	NewHandler(agg).Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.TotalQueries)
	assert.Equal(t, []QueryCount{{Query: "D4", Count: 1}}, body.TopDocuments)
}

func TestHandlerStatsTop(t *testing.T) {
	agg := NewAggregator()
	for _, q := range []string{"brca1", "brca1", "kras", "tp53"} {
		agg.Record(QueryEvent{Query: q, Returned: 1, DocIDs: []string{"DOC-" + q}})
	}
	h := NewHandler(agg)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?top=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []QueryCount{{Query: "brca1", Count: 2}}, body.TopQueries)
	assert.Len(t, body.TopDocuments, 1)
	assert.Equal(t, int64(4), body.TotalQueries)

	rec = httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?top=-2", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
