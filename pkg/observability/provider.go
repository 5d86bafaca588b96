// Package observability exports traces and metrics for evaluation runs over
// OTLP gRPC. A nil or disabled Provider records nothing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/Mindburn-Labs/fundaudit"

// Config selects the collector and sampling.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string // host:port of the OTLP gRPC collector
	Insecure       bool
	// SampleRatio is the fraction of runs traced; >= 1 traces everything.
	SampleRatio    float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
}

// DefaultConfig is disabled and points at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fundaudit",
		ServiceVersion: "dev",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		SampleRatio:    1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the SDK providers and the run instruments.
type Provider struct {
	cfg    Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	inst   *instruments
	logger *slog.Logger
}

// New builds a Provider. A nil cfg means DefaultConfig. When cfg is
// disabled no exporter is dialled and every recording call is a no-op.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: *cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if p.tp, err = newTracerProvider(ctx, p.cfg, res); err != nil {
		return nil, err
	}
	if p.mp, err = newMeterProvider(ctx, p.cfg, res); err != nil {
		_ = p.tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.inst, err = newInstruments(p.mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion)))
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	p.logger.InfoContext(ctx, "telemetry enabled",
		"endpoint", cfg.Endpoint,
		"sample_ratio", cfg.SampleRatio,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	switch {
	case cfg.SampleRatio >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRatio <= 0:
		sampler = sdktrace.NeverSample()
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval))),
	), nil
}

// Enabled reports whether telemetry is exported.
func (p *Provider) Enabled() bool { return p != nil && p.inst != nil }

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.ErrorContext(ctx, "telemetry shutdown", "error", err)
	}
	return err
}

// Span attributes for a run.
var (
	AttrRunID     = attribute.Key("fundaudit.run.id")
	AttrProjectID = attribute.Key("fundaudit.project.id")
	AttrRecordID  = attribute.Key("fundaudit.record.id")
	AttrRegionID  = attribute.Key("fundaudit.region.id")
	AttrRuleID    = attribute.Key("fundaudit.rule.id")
	AttrSeverity  = attribute.Key("fundaudit.rule.severity")
	AttrCompliant = attribute.Key("fundaudit.compliant")
	AttrReason    = attribute.Key("fundaudit.reject.reason")
)

// EvaluationOperation returns the attributes of one record evaluation.
func EvaluationOperation(runID, projectID, recordID, regionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrProjectID.String(projectID),
		AttrRecordID.String(recordID),
		AttrRegionID.String(regionID),
	}
}
