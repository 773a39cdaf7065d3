// Package telemetry provides Prometheus metrics, one-shot Pushgateway
// delivery, and run-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	once sync.Once

	// Counters
	RunsTotal        prometheus.Counter
	RunsFailed       prometheus.Counter
	MessagesArchived prometheus.Counter
	APICallsTotal    prometheus.Counter

	// Histograms (seconds)
	FetchDuration   prometheus.Observer
	PersistDuration prometheus.Observer
	RunDuration     prometheus.Observer

	// Gauges
	RateRemainingGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RunsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_runs_total", Help: "Number of archive runs started"})
		RunsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_runs_failed_total", Help: "Number of archive runs that failed"})
		MessagesArchived = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_messages_archived_total", Help: "Number of messages written into archive artifacts"})
		APICallsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_api_calls_total", Help: "Number of Discord API calls issued"})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_fetch_duration_seconds", Help: "Message fetch duration seconds", Buckets: prometheus.DefBuckets})
		PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_persist_duration_seconds", Help: "Artifact persist duration seconds", Buckets: prometheus.DefBuckets})
		RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_run_duration_seconds", Help: "Total run duration seconds", Buckets: prometheus.DefBuckets})
		RateRemainingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_rate_remaining", Help: "Remaining Discord API quota reported by the last call"})
	})
}

// IncRuns counts a run start.
func IncRuns() {
	if RunsTotal != nil {
		RunsTotal.Inc()
	}
}

// IncRunsFailed counts a failed run.
func IncRunsFailed() {
	if RunsFailed != nil {
		RunsFailed.Inc()
	}
}

// AddMessagesArchived records how many messages went into an artifact.
func AddMessagesArchived(n int) {
	if MessagesArchived != nil && n > 0 {
		MessagesArchived.Add(float64(n))
	}
}

// IncAPICalls counts one remote API call.
func IncAPICalls() {
	if APICallsTotal != nil {
		APICallsTotal.Inc()
	}
}

// SetRateRemaining records the last observed remaining-quota value.
// Negative values mean the header was absent and are skipped.
func SetRateRemaining(n int) {
	if RateRemainingGauge != nil && n >= 0 {
		RateRemainingGauge.Set(float64(n))
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

// PushMetrics delivers the default registry to a Pushgateway. A one-shot
// process has no /metrics endpoint to scrape, so this is the only way
// metrics leave the process; failures are logged, never fatal.
func PushMetrics(ctx context.Context, url, job string) {
	if url == "" {
		return
	}
	pusher := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	if err := pusher.PushContext(ctx); err != nil {
		slog.Warn("metrics push failed", slog.String("url", url), slog.Any("err", err))
		return
	}
	slog.Debug("metrics pushed", slog.String("url", url), slog.String("job", job))
}

// Run ID helpers -----------------------------------------------------------
type runKeyType struct{}

var runKey runKeyType

// WithRunID returns a new context carrying the run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey, id)
}

// RunID returns the run id or empty string.
func RunID(ctx context.Context) string {
	if s, ok := ctx.Value(runKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithRun returns a logger with the run_id attribute if present.
func LoggerWithRun(ctx context.Context) *slog.Logger {
	if id := RunID(ctx); id != "" {
		return slog.Default().With(slog.String("run_id", id))
	}
	return slog.Default()
}
