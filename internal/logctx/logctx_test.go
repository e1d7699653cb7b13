package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}

func TestWithVideoID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx, logger := WithVideoID(ctx, "intro-101")

	LoggerFromContext(ctx).InfoContext(ctx, "from context")
	logger.InfoContext(ctx, "from return")

	dec := json.NewDecoder(&buf)

	for range 2 {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		assert.Equal(t, "intro-101", entry["video_id"])
	}
}
