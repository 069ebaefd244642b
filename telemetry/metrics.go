// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsDispatched  prometheus.Counter
	HandlerFailures   prometheus.Counter
	BufferFlushes     prometheus.Counter
	BufferFlushErrors prometheus.Counter
	RecordsFlushed    prometheus.Counter
	RecordsDropped    prometheus.Counter
	RetentionDeleted  prometheus.Counter
	RateLimitWaits    prometheus.Counter
	RemoteRateLimits  prometheus.Counter

	// Histograms (seconds)
	FlushDuration    prometheus.Observer
	DispatchDuration prometheus.Observer

	// Gauges
	BufferDepthGauge      prometheus.Gauge
	ConnectionsReadyGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_events_dispatched_total", Help: "Number of inbound events dispatched to handlers"})
		HandlerFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_handler_failures_total", Help: "Number of handler errors or panics caught during dispatch"})
		BufferFlushes = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_buffer_flushes_total", Help: "Number of write buffer flush cycles"})
		BufferFlushErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_buffer_flush_errors_total", Help: "Number of flush cycles that failed and were requeued"})
		RecordsFlushed = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_buffer_records_flushed_total", Help: "Number of records written to the store by the buffer"})
		RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_buffer_records_dropped_total", Help: "Number of records dropped by the bounded buffer policy"})
		RetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_retention_deleted_total", Help: "Number of records deleted by retention cap enforcement"})
		RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_ratelimit_waits_total", Help: "Number of local rate limiter cooldown sleeps"})
		RemoteRateLimits = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_remote_ratelimits_total", Help: "Number of remote rate limit responses seen on sends"})
		FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_buffer_flush_duration_seconds", Help: "Flush cycle duration seconds", Buckets: prometheus.DefBuckets})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_dispatch_duration_seconds", Help: "Event dispatch duration seconds", Buckets: prometheus.DefBuckets})
		BufferDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_buffer_depth", Help: "Current number of pending buffered records"})
		ConnectionsReadyGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_connections_ready", Help: "Current number of ready connections"})
	})
}

// SetBufferDepth records the current pending record count.
func SetBufferDepth(n int) {
	if BufferDepthGauge != nil {
		BufferDepthGauge.Set(float64(n))
	}
}

// SetConnectionsReady records the current ready connection count.
func SetConnectionsReady(n int) {
	if ConnectionsReadyGauge != nil {
		ConnectionsReadyGauge.Set(float64(n))
	}
}

// IncCounter increments c if metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddCounter adds n to c if metrics are initialized.
func AddCounter(c prometheus.Counter, n float64) {
	if c != nil && n > 0 {
		c.Add(n)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
