package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(context.Background(), "video served", "video_id", "v1")

	entry := decodeEntry(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "video served", entry["msg"])
	assert.Equal(t, "v1", entry["video_id"])
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(spanContext(t), "download started", "video_id", "v1")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.Equal(t, "v1", entry["video_id"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer

	base := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := base.WithAttrs([]slog.Attr{slog.String("component", "downloader")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("transfer")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(spanContext(t), "chunk", "bytes", 1024)

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "downloader", entry["component"])

	// Record attributes land inside the open group.
	group, ok := entry["transfer"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, group, "trace_id")
	assert.InDelta(t, 1024, group["bytes"], 0)
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestTraceHandler_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	parent := AppendAttrs(context.Background(), slog.String("request_id", "req-1"))
	child := AppendAttrs(parent, slog.String("route", "/downloads"))

	logger.InfoContext(child, "request accepted")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "/downloads", entry["route"])

	buf.Reset()
	logger.InfoContext(parent, "parent only")

	entry = decodeEntry(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.NotContains(t, entry, "route")
}
