// Package telemetry wires OpenTelemetry metrics for the daemon: request
// counters and wait-time histograms from internal/scheduler, the number
// of registered inboxes from internal/coordinator, and running-task gauges from
// internal/loopmanager, all exported over OTLP/HTTP when configured.
//
// Nothing in the instrumented packages imports this one — telemetry
// depends on their already-exported Stats()/RegisteredCount()/
// RunningCount() snapshots instead, so instrumentation can be added or
// removed here without touching the hot paths it observes.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/taskdaemon/taskdaemon/internal/scheduler"
)

const meterName = "github.com/taskdaemon/taskdaemon"

// Config controls metrics export. An empty Endpoint disables export
// entirely and Provider falls back to OTel's no-op global provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string        // OTLP/HTTP collector endpoint, e.g. "localhost:4318"
	Insecure       bool          // skip TLS, for local collectors
	ExportInterval time.Duration // default 15s
}

// DefaultConfig returns a disabled configuration (no Endpoint); callers
// fill in Endpoint from daemon config to enable export.
func DefaultConfig() Config {
	return Config{ServiceName: "taskdaemon", ExportInterval: 15 * time.Second}
}

// Provider owns the daemon's MeterProvider and every instrument the
// scheduler/coordinator/loopmanager gauges are registered against.
type Provider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter

	iterationsTotal   metric.Int64Counter
	validatorExitCode metric.Int64Counter
	toolCallsTotal    metric.Int64Counter
	waitDuration      metric.Float64Histogram
}

// SchedulerSource is the subset of *scheduler.Scheduler telemetry reads
// to populate observable gauges.
type SchedulerSource interface {
	Stats() scheduler.Stats
}

// CoordinatorSource is the subset of *coordinator.Coordinator telemetry
// reads to populate an observable gauge of open inboxes.
type CoordinatorSource interface {
	RegisteredCount() int
}

// ManagerSource is the subset of *loopmanager.Manager telemetry reads to
// populate an observable gauge of in-flight supervised tasks.
type ManagerSource interface {
	RunningCount() int
}

// NewProvider builds the MeterProvider described by cfg and returns it
// along with a shutdown func that must be called on daemon exit. If
// cfg.Endpoint is empty, metrics are recorded against OTel's global
// no-op provider and shutdown is a no-op.
func NewProvider(ctx context.Context, cfg Config) (*Provider, func(context.Context) error, error) {
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = DefaultConfig().ExportInterval
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskdaemon"
	}

	if cfg.Endpoint == "" {
		p, err := newProvider(otel.GetMeterProvider().Meter(meterName))
		return p, func(context.Context) error { return nil }, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: building OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	otel.SetMeterProvider(mp)

	p, err := newProvider(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	p.mp = mp
	return p, mp.Shutdown, nil
}

func newProvider(meter metric.Meter) (*Provider, error) {
	p := &Provider{meter: meter}

	var err error
	p.iterationsTotal, err = meter.Int64Counter("taskdaemon.loop.iterations_total",
		metric.WithDescription("completed loopengine iterations, labeled by outcome"))
	if err != nil {
		return nil, err
	}
	p.validatorExitCode, err = meter.Int64Counter("taskdaemon.loop.validator_runs_total",
		metric.WithDescription("validator subprocess runs, labeled by exit status"))
	if err != nil {
		return nil, err
	}
	p.toolCallsTotal, err = meter.Int64Counter("taskdaemon.loop.tool_calls_total",
		metric.WithDescription("tool calls dispatched across all loops"))
	if err != nil {
		return nil, err
	}
	p.waitDuration, err = meter.Float64Histogram("taskdaemon.scheduler.wait_seconds",
		metric.WithDescription("time an execution waited for an admission slot"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordIteration increments the iteration counter, labeled by whether
// the iteration ended the execution (terminal) and the loop type.
func (p *Provider) RecordIteration(ctx context.Context, loopType string, terminal bool) {
	p.iterationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("loop_type", loopType),
		attribute.Bool("terminal", terminal),
	))
}

// RecordValidatorRun increments the validator run counter, labeled by
// whether the run passed (matched the configured success exit code).
func (p *Provider) RecordValidatorRun(ctx context.Context, loopType string, passed bool) {
	p.validatorExitCode.Add(ctx, 1, metric.WithAttributes(
		attribute.String("loop_type", loopType),
		attribute.Bool("passed", passed),
	))
}

// RecordToolCalls adds n to the tool-call counter for loopType.
func (p *Provider) RecordToolCalls(ctx context.Context, loopType string, n int) {
	if n <= 0 {
		return
	}
	p.toolCallsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("loop_type", loopType)))
}

// RecordSchedulerWait records how long an execution waited for an
// admission slot before reaching Ready or Rejected.
func (p *Provider) RecordSchedulerWait(ctx context.Context, d time.Duration) {
	p.waitDuration.Record(ctx, d.Seconds())
}

// RegisterSchedulerGauges registers observable gauges backed by src's
// Stats() snapshot: scheduled/completed/rejected/rate-limited totals.
func (p *Provider) RegisterSchedulerGauges(src SchedulerSource) error {
	scheduled, err := p.meter.Int64ObservableGauge("taskdaemon.scheduler.scheduled_total",
		metric.WithDescription("cumulative admissions granted"))
	if err != nil {
		return err
	}
	completed, err := p.meter.Int64ObservableGauge("taskdaemon.scheduler.completed_total",
		metric.WithDescription("cumulative admissions released"))
	if err != nil {
		return err
	}
	rejected, err := p.meter.Int64ObservableGauge("taskdaemon.scheduler.rejected_total",
		metric.WithDescription("cumulative admission rejections"))
	if err != nil {
		return err
	}
	rateLimited, err := p.meter.Int64ObservableGauge("taskdaemon.scheduler.rate_limited_total",
		metric.WithDescription("cumulative rate-limit backoffs"))
	if err != nil {
		return err
	}

	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := src.Stats()
		o.ObserveInt64(scheduled, stats.TotalScheduled)
		o.ObserveInt64(completed, stats.TotalCompleted)
		o.ObserveInt64(rejected, stats.TotalRejected)
		o.ObserveInt64(rateLimited, stats.TotalRateLimited)
		return nil
	}, scheduled, completed, rejected, rateLimited)
	return err
}

// RegisterCoordinatorGauge registers an observable gauge of open inboxes.
func (p *Provider) RegisterCoordinatorGauge(src CoordinatorSource) error {
	registered, err := p.meter.Int64ObservableGauge("taskdaemon.coordinator.registered_executions",
		metric.WithDescription("executions with an open coordinator inbox"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(registered, int64(src.RegisteredCount()))
		return nil
	}, registered)
	return err
}

// RegisterManagerGauge registers an observable gauge of in-flight tasks
// currently supervised by the loop manager.
func (p *Provider) RegisterManagerGauge(src ManagerSource) error {
	running, err := p.meter.Int64ObservableGauge("taskdaemon.manager.running_tasks",
		metric.WithDescription("loop executions currently supervised"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(running, int64(src.RunningCount()))
		return nil
	}, running)
	return err
}
