package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the notifier's Prometheus collectors. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	dispatched      *prometheus.CounterVec
	channelOutcomes *prometheus.CounterVec
	enqueued        *prometheus.CounterVec
	hardFailures    prometheus.Counter
	runDuration     prometheus.Histogram
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "requests_dispatched_total",
				Help:      "Notification requests dispatched, by final status",
			},
			[]string{"status"},
		),
		channelOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "channel_outcomes_total",
				Help:      "Per-channel delivery outcomes",
			},
			[]string{"channel", "outcome"},
		),
		enqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "requests_enqueued_total",
				Help:      "Notification requests newly enqueued, by type",
			},
			[]string{"type"},
		),
		hardFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notifier",
				Name:      "dispatch_hard_failures_total",
				Help:      "Dispatcher invocations aborted by a claim or commit failure",
			},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "notifier",
				Name:      "dispatch_run_duration_seconds",
				Help:      "Wall time of dispatcher invocations",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
}

// Dispatched counts a request reaching a terminal status through dispatch
func (r *Recorder) Dispatched(status string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.dispatched.WithLabelValues(status).Add(float64(n))
}

// ChannelOutcome counts one channel attempt
func (r *Recorder) ChannelOutcome(channel, outcome string) {
	if r == nil {
		return
	}
	r.channelOutcomes.WithLabelValues(channel, outcome).Inc()
}

// Enqueued counts a newly created request
func (r *Recorder) Enqueued(notificationType string) {
	if r == nil {
		return
	}
	r.enqueued.WithLabelValues(notificationType).Inc()
}

// HardFailure counts an aborted dispatcher invocation
func (r *Recorder) HardFailure() {
	if r == nil {
		return
	}
	r.hardFailures.Inc()
}

// ObserveRun records the duration of a dispatcher invocation
func (r *Recorder) ObserveRun(d time.Duration) {
	if r == nil {
		return
	}
	r.runDuration.Observe(d.Seconds())
}
