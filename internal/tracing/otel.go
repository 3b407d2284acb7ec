package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Option tunes InitOpenTelemetry.
type Option func(*otelOptions)

type otelOptions struct {
	sampleRatio float64
	processors  []sdktrace.SpanProcessor
}

// WithSampleRatio samples root spans at ratio (0..1). Child spans follow
// their parent's decision.
func WithSampleRatio(ratio float64) Option {
	return func(o *otelOptions) { o.sampleRatio = ratio }
}

// WithSpanProcessor adds a processor, e.g. a batcher in front of an
// exporter or an in-memory recorder in tests.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *otelOptions) { o.processors = append(o.processors, p) }
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process-wide tracer provider. A second
// call while a provider is installed is a no-op; after
// ShutdownOpenTelemetry a new provider may be installed.
func InitOpenTelemetry(serviceName string, opts ...Option) error {
	o := otelOptions{sampleRatio: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sampleRatio < 0 || o.sampleRatio > 1 {
		return fmt.Errorf("sample ratio must be within [0, 1], got %v", o.sampleRatio)
	}

	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return fmt.Errorf("failed to build tracing resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.sampleRatio))),
		sdktrace.WithResource(res),
	}
	for _, p := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes and removes the tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the execution, stream and agent ids
// found in ctx, and stores the span's trace id in ctx when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	for key, value := range map[string]string{
		"conduit.execution_id": GetExecutionID(ctx),
		"conduit.stream_id":    GetStreamID(ctx),
		"conduit.agent_id":     GetAgentID(ctx),
	} {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// EndSpan ends span. An abort is recorded as an "aborted" event, not as an
// error status.
func EndSpan(span trace.Span, err error, aborted bool) {
	switch {
	case aborted:
		span.AddEvent("aborted")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
