package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Total number of event dispatches by outcome.",
		},
		[]string{"outcome"},
	)

	dispatchWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_wait_seconds",
			Help:    "Time from an event leaving the input queue to the start of its dispatch, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_runs_in_flight",
			Help: "Number of dispatch runs currently executing.",
		},
	)

	progressDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_progress_dropped_total",
			Help: "Dispatch outcomes not delivered to a progress subscriber whose buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(dispatchWait)
	prometheus.MustRegister(runsInFlight)
	prometheus.MustRegister(progressDropped)

	// Pre-initialize outcome labels so they appear in /metrics with value 0.
	for _, o := range []string{OutcomeCompleted, OutcomeFailed, OutcomeTimedOut} {
		dispatchTotal.WithLabelValues(o)
	}
}
