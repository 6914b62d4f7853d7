package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// KeyMetrics instruments the key lifecycle.
type KeyMetrics struct {
	generated *prometheus.CounterVec
	rotations *prometheus.CounterVec
	revoked   prometheus.Counter
	disposed  prometheus.Counter
	uses      *prometheus.CounterVec
}

func NewKeyMetrics(namespace string) *KeyMetrics {
	namespace = sanitize(namespace)
	m := &KeyMetrics{
		generated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_generated_total",
				Help:      "How many hardware-bound keys were issued, partitioned by model.",
			},
			[]string{"model"},
		),
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_rotations_total",
				Help:      "How many key rotations were attempted, partitioned by outcome.",
			},
			[]string{"status"},
		),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_revoked_total",
			Help:      "How many keys were revoked.",
		}),
		disposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_disposed_total",
			Help:      "How many keys had their material erased by cleanup.",
		}),
		uses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_uses_total",
				Help:      "How many times key material was requested, partitioned by purpose and status.",
			},
			[]string{"purpose", "status"},
		),
	}
	m.generated = registerOnce(m.generated).(*prometheus.CounterVec)
	m.rotations = registerOnce(m.rotations).(*prometheus.CounterVec)
	m.revoked = registerOnce(m.revoked).(prometheus.Counter)
	m.disposed = registerOnce(m.disposed).(prometheus.Counter)
	m.uses = registerOnce(m.uses).(*prometheus.CounterVec)
	return m
}

func (m *KeyMetrics) KeyGenerated(modelID string) {
	m.generated.WithLabelValues(modelID).Inc()
}

func (m *KeyMetrics) KeyRotated(status interfaces.RotationStatus) {
	m.rotations.WithLabelValues(string(status)).Inc()
}

func (m *KeyMetrics) KeyRevoked() {
	m.revoked.Inc()
}

func (m *KeyMetrics) KeysDisposed(n int) {
	if n > 0 {
		m.disposed.Add(float64(n))
	}
}

func (m *KeyMetrics) KeyUsed(purpose string, err error) {
	m.uses.WithLabelValues(purpose, errorStatus(err)).Inc()
}
