package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "logagent"

// Metrics tracks the delivery pipeline. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
//
// Metrics:
//   - logagent_logs_enqueued_total: logs durably accepted, by group
//   - logagent_logs_delivered_total: logs acknowledged by the backend
//   - logagent_logs_dropped_total: logs deleted without delivery, by reason
//   - logagent_batches_total: resolved batches by outcome
//   - logagent_send_retries_total: transient failures that were retried
//   - logagent_send_duration_seconds: time from dispatch to resolution
//   - logagent_group_state: current channel state per group
type Metrics struct {
	enqueued  *prometheus.CounterVec
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	batches   *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	state     *prometheus.GaugeVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_enqueued_total",
			Help:      "Logs durably accepted for delivery",
		}, []string{"group"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_delivered_total",
			Help:      "Logs acknowledged by the ingestion backend",
		}, []string{"group"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_dropped_total",
			Help:      "Logs deleted without delivery",
		}, []string{"group", "reason"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Resolved batches by outcome",
		}, []string{"group", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Batch sends retried after a transient failure",
		}, []string{"group"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from batch dispatch to resolution, retries included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"group"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_state",
			Help:      "Channel state per group (0=idle, 1=batching, 2=sending, 3=disabled)",
		}, []string{"group"}),
	}

	registry.MustRegister(m.enqueued, m.delivered, m.dropped, m.batches, m.retries, m.duration, m.state)
	return m
}

func (m *Metrics) LogEnqueued(group string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(group).Inc()
}

func (m *Metrics) LogsDropped(group, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.WithLabelValues(group, reason).Add(float64(n))
}

func (m *Metrics) BatchResolved(group, outcome string, logs int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(group, outcome).Inc()
	m.duration.WithLabelValues(group).Observe(elapsed.Seconds())
	if outcome == "delivered" {
		m.delivered.WithLabelValues(group).Add(float64(logs))
	}
}

func (m *Metrics) Retry(group string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(group).Inc()
}

func (m *Metrics) GroupState(group string, state int) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(group).Set(float64(state))
}
