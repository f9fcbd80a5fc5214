package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gciqs/gciqs/pkg/kafka"
	"github.com/gciqs/gciqs/pkg/metrics"
)

// Publisher writes event batches to the message bus. *kafka.Producer
// implements it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// CollectorOptions tunes batching.
type CollectorOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Metrics       *metrics.Metrics
}

// Collector accepts events without blocking and delivers them in batches.
// With a Publisher the batches go to Kafka; without one each event is handed
// to the local sink. eventCh is never closed; quit signals shutdown, so Track
// stays safe to call from requests that outlive Close.
type Collector struct {
	publisher Publisher
	sink      func(QueryEvent)
	opts      CollectorOptions
	eventCh   chan QueryEvent
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewCollector creates a Collector. publisher may be nil, in which case
// events go to sink.
func NewCollector(publisher Publisher, sink func(QueryEvent), opts CollectorOptions) *Collector {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	return &Collector{
		publisher: publisher,
		sink:      sink,
		opts:      opts,
		eventCh:   make(chan QueryEvent, opts.BufferSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    slog.Default().With("component", "analytics-collector"),
	}
}

// Start launches the delivery loop. It stops when ctx is done or Close is
// called, flushing what is buffered.
func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
	c.logger.Info("analytics collector started",
		"buffer_size", c.opts.BufferSize,
		"batch_size", c.opts.BatchSize,
		"kafka", c.publisher != nil,
	)
}

// Track enqueues event, dropping it when the buffer is full. Events tracked
// after Close are ignored.
func (c *Collector) Track(event QueryEvent) {
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.eventCh <- event:
	default:
		if c.opts.Metrics != nil {
			c.opts.Metrics.AnalyticsEventsDropped.Inc()
		}
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close stops accepting events and waits for the final flush.
func (c *Collector) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]QueryEvent, 0, c.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		c.deliver(ctx, batch)
		batch = make([]QueryEvent, 0, c.opts.BatchSize)
	}

	for {
		select {
		case event := <-c.eventCh:
			batch = append(batch, event)
			if len(batch) >= c.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-c.quit:
			c.finish(&batch, flush)
			return
		case <-ctx.Done():
			c.finish(&batch, flush)
			return
		}
	}
}

// finish takes whatever is buffered and delivers it under a fresh deadline.
func (c *Collector) finish(batch *[]QueryEvent, flush func(context.Context)) {
	for drained := false; !drained; {
		select {
		case event := <-c.eventCh:
			*batch = append(*batch, event)
		default:
			drained = true
		}
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	flush(flushCtx)
}

func (c *Collector) deliver(ctx context.Context, batch []QueryEvent) {
	if c.publisher == nil {
		if c.sink != nil {
			for _, e := range batch {
				c.sink(e)
			}
		}
		return
	}
	events := make([]kafka.Event, len(batch))
	for i, e := range batch {
		events[i] = kafka.Event{Key: e.Query, Value: e}
	}
	if err := c.publisher.PublishBatch(ctx, events); err != nil {
		if c.opts.Metrics != nil {
			c.opts.Metrics.AnalyticsEventsDropped.Add(float64(len(batch)))
		}
		c.logger.Error("failed to publish analytics batch", "events", len(batch), "error", err)
		return
	}
	c.logger.Debug("analytics batch published", "events", len(batch))
}
