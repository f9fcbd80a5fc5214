// Package tracing records per-request span trees in the context. A finished
// tree is logged as one slog record with a group per child span, so the
// tfidf, bm25 and fuse stages of a search read as one line.
package tracing

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

type contextKey struct{}

type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	Duration  time.Duration
	Children  []*Span
	Attrs     map[string]any
	mu        sync.Mutex
}

// StartSpan begins a root span for traceID.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	span := newSpan(name)
	span.TraceID = traceID
	return context.WithValue(ctx, contextKey{}, span), span
}

// StartChildSpan creates a child of the span in ctx. Without a parent it
// returns a detached span that is never logged, so callers may always End it.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := newSpan(name)
	if parent := SpanFromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.Children = append(parent.Children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, child), child
}

func newSpan(name string) *Span {
	return &Span{Name: name, StartTime: time.Now(), Attrs: make(map[string]any)}
}

func (s *Span) End() {
	s.Duration = time.Since(s.StartTime)
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.Attrs[key] = value
	s.mu.Unlock()
}

func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// Log writes the tree rooted at s as a single debug record.
func (s *Span) Log(logger *slog.Logger) {
	attrs := append([]any{"trace_id", s.TraceID, "span", s.Name}, s.fields()...)
	logger.Debug("trace", attrs...)
}

// fields returns the span's duration, its attributes in key order and one
// group per child.
func (s *Span) fields() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []any{"duration_us", s.Duration.Microseconds()}
	for _, k := range slices.Sorted(maps.Keys(s.Attrs)) {
		out = append(out, k, s.Attrs[k])
	}
	for _, child := range s.Children {
		out = append(out, slog.Group(child.Name, child.fields()...))
	}
	return out
}
