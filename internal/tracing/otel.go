package tracing

import (
	"context"
	"os"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceNamespace = "kestrel"

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// sampleRatio reads the trace sampling ratio from the environment so a
// busy queue can be dialed down without a config file change
func sampleRatio() float64 {
	raw := os.Getenv("KESTREL_TRACE_SAMPLE_RATIO")
	if raw == "" {
		return 1
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}

// InitOpenTelemetry initializes a process-wide OpenTelemetry tracer provider.
// It is safe to call multiple times.
func InitOpenTelemetry(serviceName string) error {
	providerOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceNamespace(serviceNamespace),
			),
			resource.WithHost(),
			resource.WithProcessPID(),
		)
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span, stamping it with whatever job execution
// identifiers the context already carries and keeping the logging
// trace_id in sync with the span's.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs = appendContextAttrs(ctx, attrs)

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// appendContextAttrs adds job_id, session_key and provider from the
// context unless the caller already set them explicitly
func appendContextAttrs(ctx context.Context, attrs []attribute.KeyValue) []attribute.KeyValue {
	present := make(map[attribute.Key]bool, len(attrs))
	for _, attr := range attrs {
		present[attr.Key] = true
	}

	if jobID := GetJobID(ctx); jobID != "" && !present["job_id"] {
		attrs = append(attrs, attribute.String("job_id", jobID))
	}
	if sessionKey := GetSessionKey(ctx); sessionKey != "" && !present["session_key"] {
		attrs = append(attrs, attribute.String("session_key", sessionKey))
	}
	if provider := GetProvider(ctx); provider != "" && !present["provider"] {
		attrs = append(attrs, attribute.String("provider", provider))
	}
	return attrs
}
