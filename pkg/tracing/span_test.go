package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildSpansAttachToParent(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "search", "trace-1")
	_, tfidf := StartChildSpan(ctx, "tfidf")
	tfidf.SetAttr("candidates", 4)
	tfidf.End()
	_, bm := StartChildSpan(ctx, "bm25")
	bm.End()
	root.End()

	require.Len(t, root.Children, 2)
	assert.Equal(t, "trace-1", root.Children[0].TraceID)
	assert.Equal(t, 4, root.Children[0].Attrs["candidates"])
	assert.Same(t, root, SpanFromContext(ctx))
}

func TestDetachedChild(t *testing.T) {
	_, span := StartChildSpan(context.Background(), "orphan")
	span.End()
	assert.Empty(t, span.TraceID)
}

func TestLogWritesOneRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, root := StartSpan(context.Background(), "search", "t")
	root.SetAttr("top_k", 5)
	_, child := StartChildSpan(ctx, "bm25")
	child.SetAttr("candidates", 10)
	child.End()
	root.End()
	root.Log(logger)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "msg=trace"))
	assert.Contains(t, out, "trace_id=t")
	assert.Contains(t, out, "top_k=5")
	assert.Contains(t, out, "bm25.candidates=10")
	assert.Contains(t, out, "bm25.duration_us=")
}
