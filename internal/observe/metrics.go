// Package observe provides application-wide observability primitives for
// ClassPulse: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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
)

// meterName is the instrumentation scope name used for all ClassPulse
// metrics.
const meterName = "github.com/vignesh-oai/ClassPulse"

// Metrics holds all OpenTelemetry metric instruments for the call-session
// core (SPEC_FULL.md AMBIENT STACK: sessions created, bridge errors,
// barge-ins, and summary cache hit/miss, carried forward even though
// spec.md's Non-goals exclude persistence and multi-tenancy — they don't
// exclude metrics).
type Metrics struct {
	// --- Counters ---

	// SessionsCreated counts calls placed via Telephony.StartOutboundCall.
	SessionsCreated metric.Int64Counter

	// SessionsTerminal counts sessions reaching a terminal status. Use with
	// attribute.String("status", "completed"|"failed").
	SessionsTerminal metric.Int64Counter

	// BridgeErrors counts unrecoverable media-bridge failures. Use with
	// attribute.String("side", "carrier"|"model").
	BridgeErrors metric.Int64Counter

	// BargeIns counts barge-in (playback interruption) sequences triggered
	// by the media bridge.
	BargeIns metric.Int64Counter

	// SummaryCacheHits / SummaryCacheMisses count getSummary calls served
	// from cache versus recomputed.
	SummaryCacheHits   metric.Int64Counter
	SummaryCacheMisses metric.Int64Counter

	// SummarySource counts which path produced a summary result. Use with
	// attribute.String("source", "remote"|"heuristic").
	SummarySource metric.Int64Counter

	// ViewerSubscribersDropped counts viewer subscribers terminated for
	// failing to keep up with the broadcast buffer.
	ViewerSubscribersDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of non-terminal call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveViewers tracks the number of connected viewer subscribers
	// across all sessions.
	ActiveViewers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds).
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsCreated, err = m.Int64Counter("classpulse.sessions.created",
		metric.WithDescription("Total outbound call sessions created."),
	); err != nil {
		return nil, err
	}
	if met.SessionsTerminal, err = m.Int64Counter("classpulse.sessions.terminal",
		metric.WithDescription("Total sessions reaching a terminal status, by status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeErrors, err = m.Int64Counter("classpulse.bridge.errors",
		metric.WithDescription("Total unrecoverable media bridge failures, by side."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("classpulse.bridge.barge_ins",
		metric.WithDescription("Total barge-in (playback interruption) sequences."),
	); err != nil {
		return nil, err
	}
	if met.SummaryCacheHits, err = m.Int64Counter("classpulse.summary.cache_hits",
		metric.WithDescription("Total getSummary calls served from cache."),
	); err != nil {
		return nil, err
	}
	if met.SummaryCacheMisses, err = m.Int64Counter("classpulse.summary.cache_misses",
		metric.WithDescription("Total getSummary calls that recomputed a summary."),
	); err != nil {
		return nil, err
	}
	if met.SummarySource, err = m.Int64Counter("classpulse.summary.source",
		metric.WithDescription("Total summaries produced, by source (remote vs heuristic)."),
	); err != nil {
		return nil, err
	}
	if met.ViewerSubscribersDropped, err = m.Int64Counter("classpulse.viewer.subscribers_dropped",
		metric.WithDescription("Total viewer subscribers dropped for failing to keep up."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("classpulse.active_sessions",
		metric.WithDescription("Number of non-terminal call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveViewers, err = m.Int64UpDownCounter("classpulse.active_viewers",
		metric.WithDescription("Number of connected viewer subscribers across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("classpulse.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordSessionCreated increments the sessions-created counter.
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionTerminal increments the terminal-sessions counter for status.
func (m *Metrics) RecordSessionTerminal(ctx context.Context, status string) {
	m.SessionsTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBridgeError increments the bridge-error counter for side ("carrier"
// or "model").
func (m *Metrics) RecordBridgeError(ctx context.Context, side string) {
	m.BridgeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
}

// RecordBargeIn increments the barge-in counter.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordSummary records a getSummary call's cache outcome and, on a miss,
// which source produced the result.
func (m *Metrics) RecordSummary(ctx context.Context, cacheHit bool, source string) {
	if cacheHit {
		m.SummaryCacheHits.Add(ctx, 1)
		return
	}
	m.SummaryCacheMisses.Add(ctx, 1)
	m.SummarySource.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordViewerDropped increments the dropped-viewer-subscriber counter.
func (m *Metrics) RecordViewerDropped(ctx context.Context) {
	m.ViewerSubscribersDropped.Add(ctx, 1)
}
