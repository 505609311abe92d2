package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs a process-wide tracer provider for serviceName.
// Calling it again while a provider is installed is a no-op; after
// ShutdownOpenTelemetry a fresh provider is created.
func InitOpenTelemetry(serviceName string) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if provider != nil {
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return err
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes and removes the installed provider.
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

// StartSpan starts a span tagged with the lunar ids carried by ctx
// (conversation, run, job, person). When ctx has no trace id yet, the span's
// trace id is recorded so logs and spans correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName,
		trace.WithAttributes(append(contextAttributes(ctx), attrs...)...),
	)

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

func contextAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, f := range []struct {
		key   string
		value string
	}{
		{"lunar.conversation", GetConversationKey(ctx)},
		{"lunar.run_id", GetRunID(ctx)},
		{"lunar.job_id", GetJobID(ctx)},
		{"lunar.person_id", GetPersonID(ctx)},
	} {
		if f.value != "" {
			attrs = append(attrs, attribute.String(f.key, f.value))
		}
	}
	return attrs
}
