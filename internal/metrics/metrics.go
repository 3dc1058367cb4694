package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports circulation counters and latencies to Prometheus.
type Metrics struct {
	OperationsTotal  *prometheus.CounterVec   // op, outcome
	OperationLatency *prometheus.HistogramVec // op
	RetriesTotal     *prometheus.CounterVec   // op
	EventsRelayed    prometheus.Counter
	RelayFailures    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_operations_total",
				Help: "Circulation operations by outcome",
			},
			[]string{"op", "outcome"},
		),
		OperationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "circulation_operation_duration_seconds",
				Help:    "Latency of circulation operations",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
			},
			[]string{"op"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_conflict_retries_total",
				Help: "Requests retried after a serialization conflict",
			},
			[]string{"op"},
		),
		EventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_events_relayed_total",
			Help: "Outbox events delivered to the broker",
		}),
		RelayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circulation_event_relay_failures_total",
			Help: "Failed attempts to deliver an outbox event",
		}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationLatency,
		m.RetriesTotal,
		m.EventsRelayed,
		m.RelayFailures,
	)
	return m
}

func (m *Metrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(op string) {
	m.RetriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) EventsPublished(n int) {
	m.EventsRelayed.Add(float64(n))
}

func (m *Metrics) PublishFailed() {
	m.RelayFailures.Inc()
}
