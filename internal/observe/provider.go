package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK for one process.
type ProviderConfig struct {
	// ServiceName is reported in the telemetry resource. Default: "talvox".
	ServiceName string

	// ServiceVersion is reported alongside the service name.
	ServiceVersion string

	// Prometheus installs the Prometheus bridge so an admin listener can
	// serve /metrics. Leave it false when nothing will scrape the process;
	// instruments then record into a reader-less provider and cost next to
	// nothing.
	Prometheus bool

	// TraceExporter receives finished spans. When nil, spans still exist —
	// trace and span ids keep flowing into logs — but nothing is exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global OTel meter and tracer providers for this
// process and returns a shutdown function that flushes both. Call the shutdown
// in a defer from the command that initialised telemetry.
//
// Unlike a server, a transcription client often runs with no listener at all:
// the Prometheus bridge is only installed when cfg.Prometheus is set, and
// spans are only exported when a TraceExporter is given. The instruments and
// spans themselves are always real, so recording code never has to branch on
// whether telemetry is collected.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "talvox"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Prometheus {
		// The exporter registers on the default Prometheus registerer,
		// which is the registry the /metrics handler serves.
		exp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(exp))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(mp)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
