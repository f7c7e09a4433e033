// Package tracing initializes the OpenTelemetry tracer used by the pipeline
// and the decoders.
//
// Spans are exported over OTLP/HTTP when an endpoint is configured.
// Without one a no-op tracer is used.
package tracing

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/eventpipe/internal/common/config"
)

// maxAttributeLen caps payload attributes so spans stay small.
const maxAttributeLen = 8 * 1024

var (
	mu             sync.RWMutex
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init installs an exporting provider when cfg names an endpoint.
func Init(ctx context.Context, cfg config.TracingConfig) error {
	if cfg.Endpoint == "" {
		return nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "eventpipe"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	sdkProvider = provider
	tracerProvider = provider
	mu.Unlock()
	otel.SetTracerProvider(provider)
	return nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.RLock()
	p := sdkProvider
	mu.RUnlock()
	if p != nil {
		return p.Shutdown(ctx)
	}
	return nil
}

// Truncate shortens a payload for use as a span attribute.
func Truncate(s string) string {
	if len(s) <= maxAttributeLen {
		return s
	}
	return s[:maxAttributeLen] + "...(truncated)"
}
