package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ExecutionIDKey is the context key for the owning agent execution
	ExecutionIDKey ContextKey = "execution_id"
	// StreamIDKey is the context key for the stream session id
	StreamIDKey ContextKey = "stream_id"
	// ChatIDKey is the context key for the chat the turn belongs to
	ChatIDKey ContextKey = "chat_id"
	// AgentIDKey is the context key for a swarm agent runtime id
	AgentIDKey ContextKey = "agent_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	ExecutionID string
	StreamID    string
	ChatID      string
	AgentID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithExecutionID adds an execution ID to the context
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// WithStreamID adds a stream ID to the context
func WithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, StreamIDKey, streamID)
}

// WithChatID adds a chat ID to the context
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// WithAgentID adds an agent runtime ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
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

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetExecutionID retrieves the execution ID from the context
func GetExecutionID(ctx context.Context) string { return stringValue(ctx, ExecutionIDKey) }

// GetStreamID retrieves the stream ID from the context
func GetStreamID(ctx context.Context) string { return stringValue(ctx, StreamIDKey) }

// GetChatID retrieves the chat ID from the context
func GetChatID(ctx context.Context) string { return stringValue(ctx, ChatIDKey) }

// GetAgentID retrieves the agent runtime ID from the context
func GetAgentID(ctx context.Context) string { return stringValue(ctx, AgentIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		ExecutionID: GetExecutionID(ctx),
		StreamID:    GetStreamID(ctx),
		ChatID:      GetChatID(ctx),
		AgentID:     GetAgentID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ExecutionID != "" {
		ctx = WithExecutionID(ctx, tc.ExecutionID)
	}
	if tc.StreamID != "" {
		ctx = WithStreamID(ctx, tc.StreamID)
	}
	if tc.ChatID != "" {
		ctx = WithChatID(ctx, tc.ChatID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	return ctx
}

// NewExecutionContext starts a trace for a fresh agent execution.
func NewExecutionContext(ctx context.Context, executionID, chatID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithExecutionID(ctx, executionID)
	if chatID != "" {
		ctx = WithChatID(ctx, chatID)
	}
	return ctx
}
