package payout

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes counters for escrow transitions and rail round-trips. A
// nil *Metrics on the service disables collection.
type Metrics struct {
	transitions *prometheus.CounterVec
	railLatency prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpay",
			Subsystem: "payout",
			Name:      "transitions_total",
			Help:      "Escrow state transitions by action and result.",
		}, []string{"action", "result"}),
		railLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskpay",
			Subsystem: "payout",
			Name:      "rail_request_seconds",
			Help:      "FNB rail round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observeTransition(action, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, result).Inc()
}

// ObserveRail records one rail round-trip duration.
func (m *Metrics) ObserveRail(d time.Duration) {
	if m == nil {
		return
	}
	m.railLatency.Observe(d.Seconds())
}
