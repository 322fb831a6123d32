// Package observe holds the carevoice telemetry plumbing: OpenTelemetry
// instruments, span helpers, session-scoped loggers and the HTTP middleware
// that ties a request to all three.
//
// Instruments are created against a [metric.MeterProvider]. Production code
// uses [DefaultMetrics], bound to the global provider that [InitProvider]
// installs; tests build their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every carevoice instrument.
const meterName = "github.com/MrWong99/carevoice"

// Metrics is the set of instruments recorded by sessions and the control API.
// The OTel instruments are safe for concurrent use.
type Metrics struct {
	// ── Live transport ──────────────────────────────────────────────────────

	// ConnectDuration is the time from dial to the ready event.
	ConnectDuration metric.Float64Histogram

	// FramesSent counts capture frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames that never reached the provider,
	// labelled with reason (not_ready, failed, backpressure).
	FramesDropped metric.Int64Counter

	// ProviderErrors counts provider error events, labelled with provider
	// and kind.
	ProviderErrors metric.Int64Counter

	// ── Playback ────────────────────────────────────────────────────────────

	ChunksScheduled metric.Int64Counter
	Interruptions   metric.Int64Counter
	CodecErrors     metric.Int64Counter

	// PlaybackLead is how far ahead of the device clock a chunk starts,
	// i.e. the jitter buffer depth at scheduling time.
	PlaybackLead metric.Float64Histogram

	// ActivePlayback is the number of registered, unfinished playback handles.
	ActivePlayback metric.Int64UpDownCounter

	// ── Sessions ────────────────────────────────────────────────────────────

	SessionDuration metric.Float64Histogram
	SessionsEnded   metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter

	// ── Control API ─────────────────────────────────────────────────────────

	// HTTPRequestDuration is labelled with method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

var (
	// latencyBuckets covers connect times and jitter buffer depth, in seconds.
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// sessionBuckets covers whole conversations, in seconds.
	sessionBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}
)

// instruments creates instruments on one meter and collects creation errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration: b.histogram("carevoice.live.connect.duration",
			"Latency from dial to the live ready event.", latencyBuckets),
		FramesSent: b.counter("carevoice.capture.frames.sent",
			"Capture frames handed to the transport."),
		FramesDropped: b.counter("carevoice.capture.frames.dropped",
			"Capture frames dropped, by reason."),
		ProviderErrors: b.counter("carevoice.provider.errors",
			"Live provider errors, by provider and kind."),

		ChunksScheduled: b.counter("carevoice.playback.chunks",
			"Inbound audio chunks scheduled for playback."),
		Interruptions: b.counter("carevoice.playback.interruptions",
			"Interruptions that flushed playback."),
		CodecErrors: b.counter("carevoice.codec.errors",
			"Malformed inbound audio chunks."),
		PlaybackLead: b.histogram("carevoice.playback.lead",
			"Distance between a chunk's scheduled start and the device clock.", latencyBuckets),
		ActivePlayback: b.gauge("carevoice.playback.active",
			"Registered playback handles."),

		SessionDuration: b.histogram("carevoice.session.duration",
			"Lifetime of a voice session.", sessionBuckets),
		SessionsEnded: b.counter("carevoice.sessions.ended",
			"Finished sessions, by teardown reason."),
		ActiveSessions: b.gauge("carevoice.active_sessions",
			"Voice sessions that are not idle."),

		HTTPRequestDuration: b.histogram("carevoice.http.request.duration",
			"Control API request latency by method, route and status.", nil),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], created on first use
// from [otel.GetMeterProvider]. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordFrameDropped counts one dropped capture frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionEnded records a finished session and releases its slot in
// the active session gauge.
func (m *Metrics) RecordSessionEnded(ctx context.Context, reason string, lifetime time.Duration) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.SessionsEnded.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, lifetime.Seconds(), attrs)
	m.ActiveSessions.Add(ctx, -1)
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
