package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/conduit/internal/logger"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	Actor     string // decider, tool call id or execution id
	Action    string // e.g. "approve:fs__read", "abort"
	Status    string
	Metadata  map[string]interface{}
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

var audit = &AuditLogger{out: stderrAudit()}

func stderrAudit() zerolog.Logger {
	return zerolog.New(os.Stderr)
}

// GetAuditLogger returns the process audit logger. It writes to stderr
// until InitAuditLogger or SetAuditOutput is called.
func GetAuditLogger() *AuditLogger {
	return audit
}

// InitAuditLogger sends audit events to a size-rotated file at path.
func InitAuditLogger(path string, maxSizeMB, maxAgeDays int, compress bool) error {
	file, err := logger.NewRotatingWriter(path, maxSizeMB, maxAgeDays, compress)
	if err != nil {
		return err
	}
	audit.swap(zerolog.New(file), file)
	return nil
}

// SetAuditOutput redirects the audit log to l.
func SetAuditOutput(l zerolog.Logger) {
	audit.swap(l, nil)
}

func (a *AuditLogger) swap(out zerolog.Logger, closer io.Closer) {
	a.mu.Lock()
	prev := a.closer
	a.out, a.closer = out, closer
	a.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
}

// Record writes event. When ctx carries a recording span the event is also
// attached to it and the trace id is logged.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Type, trace.WithAttributes(
			attribute.String("audit.action", event.Action),
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	line := a.out.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if traceID != "" {
		line = line.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		line = line.Interface("metadata", event.Metadata)
	}
	line.Send()
}

// Close releases the audit file and falls back to stderr. Repeated calls
// are safe.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	closer := a.closer
	a.out, a.closer = stderrAudit(), nil
	a.mu.Unlock()

	if closer == nil {
		return nil
	}
	return closer.Close()
}

// RecordApprovalAudit records a tool-call approval decision. decider is
// "human" or "policy".
func RecordApprovalAudit(ctx context.Context, toolCallID, qualifiedTool, decision, decider string) {
	audit.Record(ctx, AuditEvent{
		Type:     "approval",
		Actor:    decider,
		Action:   decision + ":" + qualifiedTool,
		Status:   "success",
		Metadata: map[string]interface{}{"tool_call_id": toolCallID},
	})
}

// RecordToolAudit records the outcome of a tool execution.
func RecordToolAudit(ctx context.Context, toolCallID, qualifiedTool, status string, durationMs int64) {
	audit.Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    toolCallID,
		Action:   "execute:" + qualifiedTool,
		Status:   status,
		Metadata: map[string]interface{}{"duration_ms": durationMs},
	})
}

// RecordAbortAudit records an execution abort cascade.
func RecordAbortAudit(ctx context.Context, executionID string, streams, toolCalls int) {
	audit.Record(ctx, AuditEvent{
		Type:   "execution",
		Actor:  executionID,
		Action: "abort",
		Status: "success",
		Metadata: map[string]interface{}{
			"streams_cancelled":    streams,
			"tool_calls_finalized": toolCalls,
		},
	})
}

// RecordConfigAudit records a configuration reload.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	audit.Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
