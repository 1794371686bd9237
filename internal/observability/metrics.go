package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/scopectl/internal/executor"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scopectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scopectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commandAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scopectl",
			Subsystem: "command",
			Name:      "attempts_total",
			Help:      "Instrument command attempts by terminal status and failure kind.",
		},
		[]string{"instrument", "label", "status", "kind"},
	)
	commandAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scopectl",
			Subsystem: "command",
			Name:      "attempt_duration_seconds",
			Help:      "Instrument command attempt duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"instrument", "status"},
	)
	commandResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scopectl",
			Subsystem: "command",
			Name:      "results_total",
			Help:      "Final per-label results after retries.",
		},
		[]string{"instrument", "label", "result", "attempts"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			commandAttempts,
			commandAttemptDuration,
			commandResults,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommandAttempt(instrument, label string, a executor.Attempt) {
	RegisterMetrics()
	commandAttempts.WithLabelValues(instrument, label, string(a.Status), string(a.Kind)).Inc()
	commandAttemptDuration.WithLabelValues(instrument, string(a.Status)).Observe(a.Elapsed.Seconds())
}

func RecordCommandResult(instrument, label string, attempts int, final executor.Attempt) {
	RegisterMetrics()
	result := "failure"
	if final.Status == executor.StatusSuccess {
		result = "success"
	}
	commandResults.WithLabelValues(instrument, label, result, strconv.Itoa(attempts)).Inc()
}

// CommandObserver exports retry attempts for one instrument as metrics.
type CommandObserver struct {
	Instrument string
}

func (o CommandObserver) ObserveAttempt(label string, _ int, a executor.Attempt) {
	RecordCommandAttempt(o.Instrument, label, a)
}

func (o CommandObserver) ObserveResult(label string, attempts int, final executor.Attempt) {
	RecordCommandResult(o.Instrument, label, attempts, final)
}
