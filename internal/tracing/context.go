// Package tracing carries trace, run, conversation and job identifiers
// through context.Context and into loggers and spans.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey         ContextKey = "trace_id"
	RunIDKey           ContextKey = "run_id"
	ConversationKeyKey ContextKey = "conversation_key"
	JobIDKey           ContextKey = "job_id"
	PersonIDKey        ContextKey = "person_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID         string
	RunID           string
	ConversationKey string
	JobID           string
}

func NewTraceID() string {
	return uuid.New().String()
}

func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithConversationKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ConversationKeyKey, key)
}

func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithPersonID records the resolved counterpart of a turn.
func WithPersonID(ctx context.Context, personID string) context.Context {
	return context.WithValue(ctx, PersonIDKey, personID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string         { return stringValue(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string           { return stringValue(ctx, RunIDKey) }
func GetConversationKey(ctx context.Context) string { return stringValue(ctx, ConversationKeyKey) }
func GetJobID(ctx context.Context) string           { return stringValue(ctx, JobIDKey) }
func GetPersonID(ctx context.Context) string        { return stringValue(ctx, PersonIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID:         GetTraceID(ctx),
		RunID:           GetRunID(ctx),
		ConversationKey: GetConversationKey(ctx),
		JobID:           GetJobID(ctx),
	}
}

// NewTurnContext starts a run for one agent turn on a conversation. An
// existing trace id is kept.
func NewTurnContext(ctx context.Context, conversationKey string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	return WithConversationKey(ctx, conversationKey)
}

// NewJobContext starts a fresh trace for a scheduled job firing.
func NewJobContext(ctx context.Context, jobID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithRunID(ctx, NewRunID())
	return WithJobID(ctx, jobID)
}

// LoggerFromContext adds the tracing fields present in ctx to logger.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.ConversationKey != "" {
		lc = lc.Str("conversation", tc.ConversationKey)
	}
	if tc.JobID != "" {
		lc = lc.Str("job_id", tc.JobID)
	}
	return lc.Logger()
}
