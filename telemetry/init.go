package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// InitOptions configures exporter selection.
type InitOptions struct {
	ServiceName string
	// OTLPEndpoint selects the OTLP/gRPC exporter when non-empty
	// (host:port, no scheme). Empty falls back to a stdout exporter,
	// which is only useful during development.
	OTLPEndpoint string
	// Insecure disables TLS on the OTLP connection (dev collectors).
	Insecure bool
}

// Init installs a tracer provider on the global OTel registry and returns a
// shutdown function the host must call on exit. Hosts that manage their own
// providers can skip Init entirely; the kernel only uses the globals.
func Init(ctx context.Context, opts InitOptions) (func(context.Context) error, error) {
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "cire-orchestrator"
	}

	var exporter sdktrace.SpanExporter
	var err error
	if opts.OTLPEndpoint != "" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.OTLPEndpoint)}
		if opts.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, grpcOpts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}
