// Package metrics exposes Prometheus instrumentation for the coordination
// engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MeshMetrics tracks ingest, selection, and settlement activity.
type MeshMetrics struct {
	ingested        *prometheus.CounterVec
	duplicates      prometheus.Counter
	rejects         prometheus.Counter
	selections      *prometheus.CounterVec
	expired         prometheus.Counter
	sends           *prometheus.CounterVec
	verifyFailures  *prometheus.CounterVec
	pendingIntents  prometheus.Gauge
	knownPeers      prometheus.Gauge
	outcomeRecorded *prometheus.CounterVec
}

var (
	meshOnce     sync.Once
	meshRegistry *MeshMetrics
)

// Mesh returns the process-wide metrics registry.
func Mesh() *MeshMetrics {
	meshOnce.Do(func() {
		meshRegistry = &MeshMetrics{
			ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_messages_ingested_total",
				Help: "Count of accepted inbound messages by kind.",
			}, []string{"kind"}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mesh_messages_duplicate_total",
				Help: "Count of inbound messages dropped by the idempotency gate.",
			}),
			rejects: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mesh_messages_rejected_total",
				Help: "Count of inbound lines that failed wire validation.",
			}),
			selections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_selections_total",
				Help: "Count of intent selection attempts by result.",
			}, []string{"result"}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mesh_intents_expired_total",
				Help: "Count of intents transitioned to expired by the sweep.",
			}),
			sends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_transport_sends_total",
				Help: "Count of outbound sends by result.",
			}, []string{"result"}),
			verifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_payment_verify_failures_total",
				Help: "Count of settle-time payment verification failures by reason.",
			}, []string{"reason"}),
			pendingIntents: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mesh_intents_pending",
				Help: "Number of intents currently pending.",
			}),
			knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mesh_peers_known",
				Help: "Number of peers in the registry.",
			}),
			outcomeRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mesh_outcomes_recorded_total",
				Help: "Count of settlement outcomes recorded by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			meshRegistry.ingested,
			meshRegistry.duplicates,
			meshRegistry.rejects,
			meshRegistry.selections,
			meshRegistry.expired,
			meshRegistry.sends,
			meshRegistry.verifyFailures,
			meshRegistry.pendingIntents,
			meshRegistry.knownPeers,
			meshRegistry.outcomeRecorded,
		)
	})
	return meshRegistry
}

// RecordIngest counts one accepted inbound message.
func (m *MeshMetrics) RecordIngest(kind string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(kind).Inc()
}

// RecordDuplicate counts one message dropped by the idempotency gate.
func (m *MeshMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// RecordReject counts one line that failed wire validation.
func (m *MeshMetrics) RecordReject() {
	if m == nil {
		return
	}
	m.rejects.Inc()
}

// RecordSelection counts one selection attempt. result is "won", "lost", or
// "no_offers".
func (m *MeshMetrics) RecordSelection(result string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(result).Inc()
}

// RecordExpired counts intents swept to expired.
func (m *MeshMetrics) RecordExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// RecordSend counts one outbound send. result is "ok" or "error".
func (m *MeshMetrics) RecordSend(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

// RecordVerifyFailure counts one payment verification failure.
func (m *MeshMetrics) RecordVerifyFailure(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.verifyFailures.WithLabelValues(reason).Inc()
}

// SetPendingIntents records the current pending-intent count.
func (m *MeshMetrics) SetPendingIntents(n int) {
	if m == nil {
		return
	}
	m.pendingIntents.Set(float64(n))
}

// SetKnownPeers records the current peer-registry size.
func (m *MeshMetrics) SetKnownPeers(n int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(n))
}

// RecordOutcome counts one recorded settlement outcome.
func (m *MeshMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomeRecorded.WithLabelValues(outcome).Inc()
}
