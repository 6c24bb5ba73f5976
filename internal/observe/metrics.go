// Package observe provides application-wide observability primitives for
// soundio: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through the Prometheus exporter installed by [InitProvider]. Real-time
// counters (underruns, overruns, dropped frames) live in atomics on the
// devices themselves and are read by observable instruments at collection
// time, so the audio callback never touches the metrics SDK.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all soundio metrics.
const meterName = "github.com/MrWong99/soundio"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	meter metric.Meter

	// RefreshDuration tracks device registry refresh passes.
	RefreshDuration metric.Float64Histogram

	// WakeDuration tracks device wake-ups. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	WakeDuration metric.Float64Histogram

	// Devices tracks registered devices. Use with attribute:
	//   attribute.String("direction", ...)
	Devices metric.Int64UpDownCounter

	// Evictions counts devices removed after missing enumerations.
	Evictions metric.Int64Counter

	// LinkOperations counts graph link changes. Use with attributes:
	//   attribute.String("op", "link"|"unlink"), attribute.String("status", ...)
	LinkOperations metric.Int64Counter

	// StreamSessions tracks connected network stream clients.
	StreamSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// control-path operations such as device enumeration and stream opening.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.RefreshDuration, err = m.Float64Histogram("soundio.registry.refresh.duration",
		metric.WithDescription("Duration of device registry refresh passes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WakeDuration, err = m.Float64Histogram("soundio.device.wake.duration",
		metric.WithDescription("Duration of device wake-ups by direction and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Devices, err = m.Int64UpDownCounter("soundio.devices",
		metric.WithDescription("Number of registered devices by direction."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("soundio.device.evictions",
		metric.WithDescription("Total devices evicted from the registry."),
	); err != nil {
		return nil, err
	}
	if met.LinkOperations, err = m.Int64Counter("soundio.link.operations",
		metric.WithDescription("Total graph link operations by op and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamSessions, err = m.Int64UpDownCounter("soundio.stream.sessions",
		metric.WithDescription("Number of connected network stream clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("soundio.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// status maps an error to the "status" attribute value.
func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRefresh records one registry refresh pass and its evictions.
func (m *Metrics) RecordRefresh(ctx context.Context, seconds float64, evicted int, err error) {
	m.RefreshDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status(err))),
	)
	if evicted > 0 {
		m.Evictions.Add(ctx, int64(evicted))
	}
}

// RecordWake records a wake-up attempt.
func (m *Metrics) RecordWake(ctx context.Context, direction string, seconds float64, err error) {
	m.WakeDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("status", status(err)),
		),
	)
}

// RecordLink records a link or unlink operation.
func (m *Metrics) RecordLink(ctx context.Context, op string, err error) {
	m.LinkOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status(err)),
		),
	)
}

// RecordDevices adjusts the device gauge for one direction.
func (m *Metrics) RecordDevices(ctx context.Context, direction string, delta int64) {
	if delta == 0 {
		return
	}
	m.Devices.Add(ctx, delta, metric.WithAttributes(attribute.String("direction", direction)))
}

// DeviceStat is a snapshot of one device's real-time counters.
type DeviceStat struct {
	Identity  string
	Direction string
	Underruns uint64
	Overruns  uint64
	Dropped   uint64
}

// ObserveDevices registers observable counters for underruns, overruns and
// dropped ring frames. snapshot is called once per collection and must be
// safe for concurrent use. Unregister the returned registration to stop
// observing.
func (m *Metrics) ObserveDevices(snapshot func() []DeviceStat) (metric.Registration, error) {
	underruns, err := m.meter.Int64ObservableCounter("soundio.device.underruns",
		metric.WithDescription("Playback callbacks that had to zero-fill missing frames."),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}
	overruns, err := m.meter.Int64ObservableCounter("soundio.device.overruns",
		metric.WithDescription("Captured frames dropped because the ring was full."),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := m.meter.Int64ObservableCounter("soundio.ring.dropped_frames",
		metric.WithDescription("Frames dropped by endpoint rings."),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range snapshot() {
			attrs := metric.WithAttributes(
				attribute.String("device", s.Identity),
				attribute.String("direction", s.Direction),
			)
			o.ObserveInt64(underruns, int64(s.Underruns), attrs)
			o.ObserveInt64(overruns, int64(s.Overruns), attrs)
			o.ObserveInt64(dropped, int64(s.Dropped), attrs)
		}
		return nil
	}, underruns, overruns, dropped)
}
