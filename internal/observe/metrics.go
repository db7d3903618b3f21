// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dialvox/dialvox/internal/sttpool"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/dialvox/dialvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// DialDuration tracks gateway connect-request latency.
	DialDuration metric.Float64Histogram

	// --- Counters ---

	// Dials counts placed dial attempts. Use with attribute:
	//   attribute.String("status", "placed"|"failed")
	Dials metric.Int64Counter

	// Webhooks counts received telephony status webhooks. Use with attributes:
	//   attribute.String("event", ...), attribute.Bool("applied", ...)
	Webhooks metric.Int64Counter

	// Promotions counts waitlist promotion attempts. Use with attribute:
	//   attribute.String("outcome", "promoted"|"denied"|"empty")
	Promotions metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ReconcilerRepairs counts repairs applied by the background
	// reconcilers. Use with attribute:
	//   attribute.String("loop", ...)
	ReconcilerRepairs metric.Int64Counter

	// InvariantViolations counts invariant-monitor alerts. Use with attribute:
	//   attribute.String("check", ...)
	InvariantViolations metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live voice sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("dialvox.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("dialvox.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("dialvox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialDuration, err = m.Float64Histogram("dialvox.dial.duration",
		metric.WithDescription("Latency of gateway connect requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Dials, err = m.Int64Counter("dialvox.dials",
		metric.WithDescription("Total dial attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Webhooks, err = m.Int64Counter("dialvox.webhooks",
		metric.WithDescription("Total telephony status webhooks by event and applied."),
	); err != nil {
		return nil, err
	}
	if met.Promotions, err = m.Int64Counter("dialvox.promotions",
		metric.WithDescription("Total waitlist promotion attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("dialvox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ReconcilerRepairs, err = m.Int64Counter("dialvox.reconciler.repairs",
		metric.WithDescription("Total repairs applied by the background reconcilers, by loop."),
	); err != nil {
		return nil, err
	}
	if met.InvariantViolations, err = m.Int64Counter("dialvox.invariant.violations",
		metric.WithDescription("Total invariant-monitor alerts by check."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("dialvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("dialvox.active_calls",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dialvox.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDial records one dial attempt.
func (m *Metrics) RecordDial(ctx context.Context, status string) {
	m.Dials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordWebhook records one received status webhook.
func (m *Metrics) RecordWebhook(ctx context.Context, event string, applied bool) {
	m.Webhooks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.Bool("applied", applied),
		),
	)
}

// RecordPromotion records one waitlist promotion attempt.
func (m *Metrics) RecordPromotion(ctx context.Context, outcome string) {
	m.Promotions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRepair records one reconciler repair.
func (m *Metrics) RecordRepair(ctx context.Context, loop string) {
	m.ReconcilerRepairs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("loop", loop)),
	)
}

// RecordViolation records one invariant-monitor alert.
func (m *Metrics) RecordViolation(ctx context.Context, check string) {
	m.InvariantViolations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("check", check)),
	)
}

// RegisterPoolGauges exports the streaming-STT pool state as observable
// instruments: active and queued as gauges, the lifetime counts as counters.
// The snapshot function is polled on every metric collection. The returned
// registration unhooks the callback.
func RegisterPoolGauges(mp metric.MeterProvider, snapshot func() sttpool.Metrics) (metric.Registration, error) {
	m := mp.Meter(meterName)

	active, err := m.Int64ObservableGauge("dialvox.sttpool.active",
		metric.WithDescription("Streaming STT sessions currently held."),
	)
	if err != nil {
		return nil, err
	}
	queued, err := m.Int64ObservableGauge("dialvox.sttpool.queued",
		metric.WithDescription("Acquires currently waiting for STT pool capacity."),
	)
	if err != nil {
		return nil, err
	}
	acquired, err := m.Int64ObservableCounter("dialvox.sttpool.acquired",
		metric.WithDescription("Total streaming STT sessions handed out."),
	)
	if err != nil {
		return nil, err
	}
	released, err := m.Int64ObservableCounter("dialvox.sttpool.released",
		metric.WithDescription("Total streaming STT sessions released."),
	)
	if err != nil {
		return nil, err
	}
	timeouts, err := m.Int64ObservableCounter("dialvox.sttpool.timeouts",
		metric.WithDescription("Total queued acquires that timed out."),
	)
	if err != nil {
		return nil, err
	}
	failed, err := m.Int64ObservableCounter("dialvox.sttpool.failed",
		metric.WithDescription("Total acquires rejected for overflow or dial failure."),
	)
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(active, int64(s.Active))
		o.ObserveInt64(queued, int64(s.Queued))
		o.ObserveInt64(acquired, s.TotalAcquired)
		o.ObserveInt64(released, s.TotalReleased)
		o.ObserveInt64(timeouts, s.TotalTimeouts)
		o.ObserveInt64(failed, s.TotalFailed)
		return nil
	}, active, queued, acquired, released, timeouts, failed)
}

// RegisterCampaignGauge exports the number of campaigns this instance is
// actively promoting. watching is sampled at collection time.
func RegisterCampaignGauge(mp metric.MeterProvider, watching func() int) (metric.Registration, error) {
	m := mp.Meter(meterName)

	active, err := m.Int64ObservableGauge("dialvox.active_campaigns",
		metric.WithDescription("Campaigns currently dialing on this instance."),
	)
	if err != nil {
		return nil, err
	}
	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(active, int64(watching()))
		return nil
	}, active)
}
