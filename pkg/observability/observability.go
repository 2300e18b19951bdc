package observability

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
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

const instrumentationName = "reimbursed"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // Use insecure connection (dev only)
}

// DefaultConfig returns production defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "reimbursed",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
// A nil *Provider is valid and records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Domain metrics
	requestsCreated    metric.Int64Counter
	transitions        metric.Int64Counter
	amountLocked       metric.Float64Counter
	amountDistributed  metric.Float64Counter
	relayCalls         metric.Int64Counter
	reimbursementPaid  metric.Float64Counter
	reimbursementShort metric.Int64Counter
	batchesAnchored    metric.Int64Counter
}

// New creates a provider exporting over OTLP/gRPC when enabled.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithMeterProvider builds a provider on an existing meter provider
// without any exporter. Used with a manual reader in tests.
func NewWithMeterProvider(mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		meter:  mp.Meter(instrumentationName),
		tracer: otel.Tracer(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.requestCounter, err = p.meter.Int64Counter("reimbursed.operations.total",
		metric.WithDescription("Total number of operations processed"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("reimbursed.errors.total",
		metric.WithDescription("Total number of failed operations"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("reimbursed.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("reimbursed.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.requestsCreated, err = p.meter.Int64Counter("disbursement.requests",
		metric.WithDescription("Reimbursement requests created")); err != nil {
		return err
	}
	if p.transitions, err = p.meter.Int64Counter("disbursement.transitions",
		metric.WithDescription("Request status transitions")); err != nil {
		return err
	}
	if p.amountLocked, err = p.meter.Float64Counter("disbursement.locked_amount",
		metric.WithDescription("Minor units locked by new requests")); err != nil {
		return err
	}
	if p.amountDistributed, err = p.meter.Float64Counter("disbursement.distributed_amount",
		metric.WithDescription("Minor units distributed to recipients")); err != nil {
		return err
	}
	if p.relayCalls, err = p.meter.Int64Counter("relay.calls",
		metric.WithDescription("Relayed meta-transactions by outcome")); err != nil {
		return err
	}
	if p.reimbursementPaid, err = p.meter.Float64Counter("relay.reimbursed",
		metric.WithDescription("Fee-asset minor units reimbursed to relayers")); err != nil {
		return err
	}
	if p.reimbursementShort, err = p.meter.Int64Counter("relay.reimbursement_shortfalls",
		metric.WithDescription("Reimbursements skipped for lack of reserve")); err != nil {
		return err
	}
	if p.batchesAnchored, err = p.meter.Int64Counter("anchor.batches",
		metric.WithDescription("Audit batches anchored")); err != nil {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// TrackOperation starts a span and RED bookkeeping for name. The returned
// function must be called with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p == nil || p.requestCounter == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	set := metric.WithAttributes(opAttrs...)
	p.activeOperations.Add(ctx, 1, set)
	p.requestCounter.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, set)
		p.durationHist.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			errAttrs := make([]attribute.KeyValue, 0, len(opAttrs)+1)
			errAttrs = append(errAttrs, opAttrs...)
			errAttrs = append(errAttrs, attribute.String("error.code", fault.CodeOf(err)))
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		}
		span.End()
	}
}

func minorUnits(a finance.Amount) float64 {
	f, _ := new(big.Float).SetInt(a.Big()).Float64()
	return f
}

// RecordRequestCreated counts a new request and the amount it locked.
func (p *Provider) RecordRequestCreated(ctx context.Context, total finance.Amount, recipients int) {
	if p == nil || p.requestsCreated == nil {
		return
	}
	p.requestsCreated.Add(ctx, 1, metric.WithAttributes(attribute.Int("recipients", recipients)))
	p.amountLocked.Add(ctx, minorUnits(total))
}

// RecordTransition counts a request status change.
func (p *Provider) RecordTransition(ctx context.Context, from, to string) {
	if p == nil || p.transitions == nil {
		return
	}
	p.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

// RecordDistributed adds a completed distribution.
func (p *Provider) RecordDistributed(ctx context.Context, total finance.Amount) {
	if p == nil || p.amountDistributed == nil {
		return
	}
	p.amountDistributed.Add(ctx, minorUnits(total))
}

// RecordRelay counts a relayed call by outcome ("success", "reverted", or an
// error code for rejected envelopes).
func (p *Provider) RecordRelay(ctx context.Context, outcome string) {
	if p == nil || p.relayCalls == nil {
		return
	}
	p.relayCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReimbursement records a payout, or a shortfall when paid is false.
func (p *Provider) RecordReimbursement(ctx context.Context, paid bool, amount finance.Amount) {
	if p == nil || p.reimbursementPaid == nil {
		return
	}
	if !paid {
		p.reimbursementShort.Add(ctx, 1)
		return
	}
	p.reimbursementPaid.Add(ctx, minorUnits(amount))
}

// RecordBatchAnchored counts an anchored audit batch.
func (p *Provider) RecordBatchAnchored(ctx context.Context, batchType string, entries uint64) {
	if p == nil || p.batchesAnchored == nil {
		return
	}
	p.batchesAnchored.Add(ctx, 1, metric.WithAttributes(
		attribute.String("batch_type", batchType),
		attribute.Int64("entries", int64(entries)),
	))
}
