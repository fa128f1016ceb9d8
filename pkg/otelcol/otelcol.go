package otelcol

import (
	"context"
	"fmt"
	"time"

	"creator-payouts/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		ProvideTracerProvider,
		ProvideMeterProvider,
	),
)

// NewExporter builds the span exporter named by OTEL.EXPORTER. It returns
// nil for "none".
func NewExporter(ctx context.Context, cfg *config.Config) (trace.SpanExporter, error) {
	switch cfg.Otel.Exporter {
	case "", "none":
		return nil, nil
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithCompressor("gzip"), otlptracegrpc.WithInsecure()}
		if cfg.Otel.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Otel.Endpoint))
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure(), otlptracehttp.WithCompression(otlptracehttp.GzipCompression)}
		if cfg.Otel.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Otel.Endpoint))
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	default:
		return nil, fmt.Errorf("unsupported otel exporter %q", cfg.Otel.Exporter)
	}
}

func newResource(cfg *config.Config) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.ServiceVersion(cfg.AppVersion),
		semconv.DeploymentEnvironment(cfg.AppEnv),
	)
}

// NewMeterProvider builds a meter provider whose instruments are gathered
// by reg, so they show up next to the service's own series on /metrics.
func NewMeterProvider(cfg *config.Config, reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(newResource(cfg)),
		sdkmetric.WithReader(exporter),
	), nil
}

func ProvideMeterProvider(lc fx.Lifecycle, cfg *config.Config) (otelmetric.MeterProvider, error) {
	mp, err := NewMeterProvider(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp, nil
}

func ProvideTracerProvider(lc fx.Lifecycle, cfg *config.Config) (oteltrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exporter, err := NewExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		return noop.NewTracerProvider(), nil
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(newResource(cfg)),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.Otel.SampleRatio))),
		trace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	zap.L().Info("[Otel] tracing enabled", zap.String("exporter", cfg.Otel.Exporter), zap.String("endpoint", cfg.Otel.Endpoint))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}
