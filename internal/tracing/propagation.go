package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext enriches a zerolog logger with whatever tracing fields
// the context carries.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		logger = logger.With().Str("session_id", sessionID).Logger()
	}
	if agentName := GetAgentName(ctx); agentName != "" {
		logger = logger.With().Str("agent_name", agentName).Logger()
	}
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		logger = logger.With().Str("correlation_id", correlationID).Logger()
	}
	return logger
}
