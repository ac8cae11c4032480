// Package observability sets up OpenTelemetry tracing and carries trace context across the
// task queue and the response bus.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aixgo-dev/conductor"

// Config holds tracing configuration
type Config struct {
	// ServiceName is the name of the service (defaults to "conductor")
	ServiceName string

	// ExporterType specifies the exporter: "otlp", "stdout", or "none"
	ExporterType string

	// OTLPEndpoint is the OTLP/HTTP endpoint (host:port)
	OTLPEndpoint string

	// SpanExporter overrides ExporterType when set. Used by tests.
	SpanExporter sdktrace.SpanExporter
}

// Provider owns the tracer provider installed by Init.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs the global tracer provider and the W3C trace-context propagator.
// With exporter "none" spans are not recorded but trace context still propagates.
func Init(cfg Config, logger zerolog.Logger) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if cfg.ServiceName == "" {
		cfg.ServiceName = "conductor"
	}

	exporter := cfg.SpanExporter
	if exporter == nil {
		var err error
		switch cfg.ExporterType {
		case "", "none":
			logger.Info().Msg("tracing disabled")
			return &Provider{}, nil
		case "otlp":
			opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
			if cfg.OTLPEndpoint != "" {
				opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
			}
			exporter, err = otlptracehttp.New(context.Background(), opts...)
		case "stdout":
			exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		default:
			return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
		}
		if err != nil {
			return nil, fmt.Errorf("create %s exporter: %w", cfg.ExporterType, err)
		}
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info().Str("exporter", cfg.ExporterType).Str("service", cfg.ServiceName).Msg("tracing initialized")
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports every span ended so far.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Inject returns the trace context of ctx as a string map suitable for a JSON envelope.
// It returns nil when ctx carries no valid span.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract returns ctx with the remote span context found in carrier.
func Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}
