// Package telemetry wires OpenTelemetry tracing with an OTLP gRPC exporter
// and provides the span helpers used around planning, execution and
// per-trial work.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// OTLPConfig configures the OpenTelemetry OTLP gRPC exporter.
type OTLPConfig struct {
	// Endpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	Endpoint string

	// ServiceName identifies this service in traces
	ServiceName string

	// ServiceVersion is the version of this service
	ServiceVersion string

	// Environment is the deployment environment (e.g., "production", "staging")
	Environment string

	// InsecureTLS disables TLS for the gRPC connection (use for local dev)
	InsecureTLS bool

	// Headers are sent with each export request (e.g., auth tokens)
	Headers map[string]string

	BatchTimeout  time.Duration
	MaxBatchSize  int
	MaxQueueSize  int
	ExportTimeout time.Duration

	// SamplingRatio is the fraction of traces to sample (0.0 to 1.0)
	SamplingRatio float64
}

// DefaultOTLPConfig returns sensible defaults for OTLP configuration.
func DefaultOTLPConfig(serviceName string) OTLPConfig {
	return OTLPConfig{
		Endpoint:       "localhost:4317",
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		InsecureTLS:    true,
		BatchTimeout:   5 * time.Second,
		MaxBatchSize:   512,
		MaxQueueSize:   2048,
		ExportTimeout:  30 * time.Second,
		SamplingRatio:  1.0,
	}
}

// sampler maps a ratio onto an SDK sampler.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// OTLPExporter manages the tracer provider lifecycle.
type OTLPExporter struct {
	mu sync.Mutex

	cfg            OTLPConfig
	tracerProvider *sdktrace.TracerProvider
	shutdown       func(context.Context) error
	initialized    bool
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg OTLPConfig) *OTLPExporter {
	return &OTLPExporter{cfg: cfg}
}

// Init installs a global tracer provider exporting over OTLP gRPC and
// returns a shutdown function that flushes pending spans.
func (e *OTLPExporter) Init(ctx context.Context) (func(context.Context) error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return e.shutdown, nil
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(e.cfg.Endpoint),
		otlptracegrpc.WithTimeout(e.cfg.ExportTimeout),
	}
	if e.cfg.InsecureTLS {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if len(e.cfg.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(e.cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(e.cfg.ServiceName),
			semconv.ServiceVersion(e.cfg.ServiceVersion),
			semconv.DeploymentEnvironment(e.cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	e.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(e.cfg.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(e.cfg.MaxBatchSize),
			sdktrace.WithMaxQueueSize(e.cfg.MaxQueueSize),
			sdktrace.WithExportTimeout(e.cfg.ExportTimeout),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(e.cfg.SamplingRatio)),
	)

	otel.SetTracerProvider(e.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	e.shutdown = func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.initialized {
			return nil
		}
		e.initialized = false
		return e.tracerProvider.Shutdown(ctx)
	}

	e.initialized = true
	return e.shutdown, nil
}

// Tracer returns a tracer from the exporter's provider, or the global
// tracer before Init.
func (e *OTLPExporter) Tracer() trace.Tracer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracerProvider == nil {
		return otel.Tracer(InstrumentationName)
	}
	return e.tracerProvider.Tracer(InstrumentationName)
}

// IsInitialized returns whether the exporter has been initialized.
func (e *OTLPExporter) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// InitOTLP initializes OpenTelemetry with the gRPC exporter and returns the
// shutdown function.
func InitOTLP(ctx context.Context, cfg OTLPConfig) (func(context.Context) error, error) {
	return NewOTLPExporter(cfg).Init(ctx)
}
