package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// TransferMetrics instruments block transfer sessions.
type TransferMetrics struct {
	active    prometheus.Gauge
	finished  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	attempts  *prometheus.CounterVec
	bytes     prometheus.Counter
}

func NewTransferMetrics(namespace string) *TransferMetrics {
	namespace = sanitize(namespace)
	m := &TransferMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfer_sessions_active",
			Help:      "Number of transfer sessions that have not reached a terminal state.",
		}),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_sessions_finished_total",
				Help:      "How many transfer sessions reached a terminal state, partitioned by status.",
			},
			[]string{"status"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_session_duration_seconds",
				Help:      "How long transfer sessions run, partitioned by final status.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"status"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_block_attempts_total",
				Help:      "How many block send attempts were made, partitioned by status.",
			},
			[]string{"status"},
		),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes of acknowledged block data.",
		}),
	}
	m.active = registerOnce(m.active).(prometheus.Gauge)
	m.finished = registerOnce(m.finished).(*prometheus.CounterVec)
	m.durations = registerOnce(m.durations).(*prometheus.HistogramVec)
	m.attempts = registerOnce(m.attempts).(*prometheus.CounterVec)
	m.bytes = registerOnce(m.bytes).(prometheus.Counter)
	return m
}

func (m *TransferMetrics) SessionStarted() {
	m.active.Inc()
}

func (m *TransferMetrics) SessionFinished(status interfaces.TransferStatus, duration time.Duration) {
	m.active.Dec()
	m.finished.WithLabelValues(status.String()).Inc()
	m.durations.WithLabelValues(status.String()).Observe(duration.Seconds())
}

func (m *TransferMetrics) BlockAttempt(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.attempts.WithLabelValues(status).Inc()
}

func (m *TransferMetrics) BytesTransferred(n int64) {
	m.bytes.Add(float64(n))
}
