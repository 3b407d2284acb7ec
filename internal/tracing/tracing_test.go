package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithStreamID(ctx, "s1")
	ctx = WithChatID(ctx, "chat-1")
	ctx = WithAgentID(ctx, "agent-1")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "exec-1", tc.ExecutionID)
	assert.Equal(t, "s1", tc.StreamID)
	assert.Equal(t, "chat-1", tc.ChatID)
	assert.Equal(t, "agent-1", tc.AgentID)

	restored := NewContext(context.Background(), tc)
	assert.Equal(t, tc, FromContext(restored))
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetExecutionID(ctx))
	assert.Empty(t, GetStreamID(ctx))
	assert.Empty(t, GetChatID(ctx))
}

func TestNewExecutionContextKeepsExistingTrace(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-x")
	ctx = NewExecutionContext(ctx, "exec-2", "chat-2")
	assert.Equal(t, "trace-x", GetTraceID(ctx))
	assert.Equal(t, "exec-2", GetExecutionID(ctx))
	assert.Equal(t, "chat-2", GetChatID(ctx))

	fresh := NewExecutionContext(context.Background(), "exec-3", "")
	assert.NotEmpty(t, GetTraceID(fresh))
	assert.Empty(t, GetChatID(fresh))
}

func TestPropagateToAgent(t *testing.T) {
	parent := NewExecutionContext(context.Background(), "exec-1", "chat-1")
	parent = WithStreamID(parent, "s1")

	child := PropagateToAgent(parent, "agent-a", "s1.1")
	assert.Equal(t, GetTraceID(parent), GetTraceID(child))
	assert.Equal(t, "exec-1", GetExecutionID(child))
	assert.Equal(t, "s1.1", GetStreamID(child))
	assert.Equal(t, "agent-a", GetAgentID(child))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewExecutionContext(context.Background(), "exec-9", "chat-9")
	logger := LoggerFromContext(WithStreamID(ctx, "s9"), base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"execution_id":"exec-9"`)
	assert.Contains(t, out, `"chat_id":"chat-9"`)
	assert.Contains(t, out, `"stream_id":"s9"`)
	assert.Contains(t, out, `"trace_id"`)
}

func TestDetachSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(NewExecutionContext(context.Background(), "exec-1", ""))
	cancel()

	detached := Detach(ctx)
	require.NoError(t, detached.Err())
	assert.Equal(t, "exec-1", GetExecutionID(detached))
}

func TestStartSpanPropagatesTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("conduit-test"))
	defer ShutdownOpenTelemetry(context.Background())

	ctx, span := StartSpan(context.Background(), "conduit.test", "span")
	defer span.End()
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestSpansCarryContextIDs(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	require.NoError(t, InitOpenTelemetry("conduit-test", WithSpanProcessor(recorder)))
	defer ShutdownOpenTelemetry(context.Background())

	ctx := WithStreamID(NewExecutionContext(context.Background(), "exec-7", "chat-1"), "s-1")
	_, span := StartSpan(ctx, "conduit.test", "agent")
	EndSpan(span, errors.New("boom"), false)

	_, aborted := StartSpan(ctx, "conduit.test", "aborted")
	EndSpan(aborted, nil, true)

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "exec-7", attrs["conduit.execution_id"])
	assert.Equal(t, "s-1", attrs["conduit.stream_id"])
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	assert.NotEqual(t, codes.Error, ended[1].Status().Code)
	require.Len(t, ended[1].Events(), 1)
	assert.Equal(t, "aborted", ended[1].Events()[0].Name)
}

func TestInitOpenTelemetryRejectsBadRatio(t *testing.T) {
	assert.Error(t, InitOpenTelemetry("conduit-test", WithSampleRatio(1.5)))
}
