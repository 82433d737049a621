package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithAgentName(ctx, "planner")
	ctx = WithCorrelationID(ctx, "corr-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))
	assert.Equal(t, "planner", GetAgentName(ctx))
	assert.Equal(t, "corr-1", GetCorrelationID(ctx))
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSessionID(ctx))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := WithSessionID(context.Background(), "sess-42")
	enriched := LoggerFromContext(ctx, logger)
	enriched.Info().Msg("msg")

	assert.Contains(t, buf.String(), `"session_id":"sess-42"`)
}
