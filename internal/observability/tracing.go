package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"trialtrends/internal/logger"
)

// TracingConfig selects the span exporter
type TracingConfig struct {
	Exporter    string    // "", "none", "stdout" or "otlp"
	Endpoint    string    // OTLP HTTP endpoint (host:port)
	ServiceName string    // Defaults to "trialtrends"
	Version     string    // Service version attribute
	SampleRatio float64   // Fraction of runs traced; 0 or above 1 traces all
	Writer      io.Writer // stdout exporter destination (default: os.Stderr)
}

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(context.Context) error

// InitTracing installs a global tracer provider for cfg and returns its
// shutdown function. With no exporter the global no-op provider is kept.
func InitTracing(ctx context.Context, cfg TracingConfig) (ShutdownFunc, error) {
	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" || exporterName == "none" {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "trialtrends"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
		),
	)
	if err != nil {
		logger.Warn("otel resource init failed (continuing)", "error", err.Error())
	}

	exporter, err := buildExporter(ctx, exporterName, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Debug("otel tracing initialized", "service", serviceName, "exporter", exporterName)
	return tp.Shutdown, nil
}

func buildExporter(ctx context.Context, name string, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if strings.HasPrefix(endpoint, "http://") {
				opts = append(opts, otlptracehttp.WithInsecure())
			}
			endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown tracing exporter: %s", name)
	}
}

func clampRatio(r float64) float64 {
	switch {
	case r <= 0:
		return 1
	case r > 1:
		return 1
	default:
		return r
	}
}

// Tracer returns the named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a span carrying attrs
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
