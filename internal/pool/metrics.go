package pool

import "github.com/prometheus/client_golang/prometheus"

// Checkout attempt label values.
const (
	attemptMatched     = "matched"
	attemptNoMatch     = "no_match"
	attemptNoCandidate = "no_candidate"
	attemptFault       = "fault"
)

var (
	checkoutAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_checkout_attempts_total",
			Help: "Total number of agent checkout attempts by result.",
		},
		[]string{"result"},
	)

	agentsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_agents_busy",
			Help: "Number of agents currently executing an event.",
		},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_execution_seconds",
			Help:    "Event execution time on an agent, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(checkoutAttempts)
	prometheus.MustRegister(agentsBusy)
	prometheus.MustRegister(executionDuration)

	for _, r := range []string{attemptMatched, attemptNoMatch, attemptNoCandidate, attemptFault} {
		checkoutAttempts.WithLabelValues(r)
	}
}
