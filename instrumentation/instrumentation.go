package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// scopePrefix namespaces meter and tracer scopes to this module, so
// instruments from embedding applications cannot collide with ours.
const scopePrefix = "github.com/grantkit/grantkit/"

// DefaultServiceVersion is reported when the host does not set one.
const DefaultServiceVersion = "unknown"

// Config configures observability for the whole module.
type Config struct {
	// ServiceName identifies this deployment in telemetry. Defaults to
	// "grantkit".
	ServiceName string

	// ServiceVersion is reported alongside the service name.
	ServiceVersion string

	// Enabled turns instrumentation on. When false every meter and
	// tracer is a no-op and recording costs nothing.
	Enabled bool

	// MeterProvider and TracerProvider plug in the host's OpenTelemetry
	// pipeline (an SDK provider wired to Prometheus, OTLP, stdout, or
	// anything else). Leaving them nil keeps the instruments no-op even
	// when Enabled is true, which lets tests and examples exercise the
	// recording paths without an exporter.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// LogClientIPs opts in to tagging spans with client IP addresses.
	// IPs can be personal data under GDPR and similar regimes, so the
	// zero value keeps them out of telemetry.
	LogClientIPs bool

	// Resource overrides the default resource, which carries only the
	// service name and version.
	Resource *resource.Resource
}

// Instrumentation hands out scoped meters and tracers and owns the
// pre-built metric instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownOnce sync.Once
}

// New builds the instrumentation described by config. The returned
// value is ready to use; when config.Enabled is false all recording is
// a no-op.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "grantkit"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	if config.Enabled {
		if config.MeterProvider != nil {
			inst.meterProvider = config.MeterProvider
		}
		if config.TracerProvider != nil {
			inst.tracerProvider = config.TracerProvider
		}
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return inst, nil
}

// Meter returns a meter for a layer scope ("http", "server", "storage",
// "bearer", "security"), namespaced under this module's path.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a tracer for a layer scope, namespaced like Meter.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the instrument set for recording values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the resource telemetry is attributed to: the one
// from Config, or the default built from the service name and version.
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// ShouldLogClientIPs reports whether span helpers may attach client IP
// addresses.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// Shutdown flushes and stops the configured providers, when they
// support it. The host hands its SDK providers to Config and stops
// everything here in one place on exit. Safe to call more than once;
// only the first call does anything.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var err error
	i.shutdownOnce.Do(func() {
		err = errors.Join(
			shutdownProvider(ctx, i.tracerProvider),
			shutdownProvider(ctx, i.meterProvider),
		)
	})
	return err
}

func shutdownProvider(ctx context.Context, provider any) error {
	if s, ok := provider.(interface{ Shutdown(context.Context) error }); ok {
		return s.Shutdown(ctx)
	}
	return nil
}

// StorageSizeFuncs supplies point-in-time record counts for the storage
// size gauges. Nil funcs leave their gauge unobserved.
type StorageSizeFuncs struct {
	Tokens        func() int64
	RefreshTokens func() int64
	Clients       func() int64
	AuthCodes     func() int64
	Families      func() int64
	DeviceAuths   func() int64
}

// RegisterStorageGauges registers callbacks that observe current
// storage sizes each collection cycle. Stores call this once from their
// SetInstrumentation hook; the funcs must be safe to call from the
// collector's goroutine.
func (i *Instrumentation) RegisterStorageGauges(sizes StorageSizeFuncs) error {
	observe := func(o metric.Observer, gauge metric.Int64ObservableGauge, size func() int64) {
		if size != nil {
			o.ObserveInt64(gauge, size())
		}
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			observe(o, i.metrics.StorageTokensCount, sizes.Tokens)
			observe(o, i.metrics.StorageRefreshTokensCount, sizes.RefreshTokens)
			observe(o, i.metrics.StorageClientsCount, sizes.Clients)
			observe(o, i.metrics.StorageAuthCodesCount, sizes.AuthCodes)
			observe(o, i.metrics.StorageFamiliesCount, sizes.Families)
			observe(o, i.metrics.StorageDeviceAuthsCount, sizes.DeviceAuths)
			return nil
		},
		i.metrics.StorageTokensCount,
		i.metrics.StorageRefreshTokensCount,
		i.metrics.StorageClientsCount,
		i.metrics.StorageAuthCodesCount,
		i.metrics.StorageFamiliesCount,
		i.metrics.StorageDeviceAuthsCount,
	)
	return err
}
