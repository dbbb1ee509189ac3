// Package metrics holds the coordinator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	// Queue metrics
	SubtasksEnqueued *prometheus.CounterVec
	SubtasksClaimed  prometheus.Counter
	SubtasksRequeued prometheus.Counter
	QueueDepth       prometheus.Gauge

	// Agent metrics
	AgentsRegistered prometheus.Counter
	AgentsActive     prometheus.Gauge
	HeartbeatRejects *prometheus.CounterVec
	PowerDeferrals   *prometheus.CounterVec

	// Mesh metrics
	GossipIngested *prometheus.CounterVec
	GossipRejected *prometheus.CounterVec
	PeersKnown     prometheus.Gauge

	// Economy metrics
	PaymentsSettled  prometheus.Counter
	PaymentsRejected *prometheus.CounterVec
	CreditsIssued    prometheus.Counter
	PriceEpochs      *prometheus.CounterVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all coordinator metrics.
func New() *Metrics {
	return &Metrics{
		SubtasksEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_subtasks_enqueued_total",
				Help: "Subtasks accepted into the queue",
			},
			[]string{"project_id"},
		),
		SubtasksClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_subtasks_claimed_total",
				Help: "Subtasks claimed by agents",
			},
		),
		SubtasksRequeued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_subtasks_requeued_total",
				Help: "Stale claims returned to the queue",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_queue_depth",
				Help: "Subtasks currently queued or claimed",
			},
		),
		AgentsRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_agents_registered_total",
				Help: "Successful agent registrations",
			},
		),
		AgentsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_agents_active",
				Help: "Agents with a recent heartbeat",
			},
		),
		HeartbeatRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_heartbeat_rejects_total",
				Help: "Heartbeats rejected, by reason",
			},
			[]string{"reason"},
		),
		PowerDeferrals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_power_deferrals_total",
				Help: "Pull requests deferred or denied by the power policy",
			},
			[]string{"reason"},
		),
		GossipIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_gossip_ingested_total",
				Help: "Gossip messages admitted, by type",
			},
			[]string{"type"},
		),
		GossipRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_gossip_rejected_total",
				Help: "Gossip messages rejected, by reason",
			},
			[]string{"reason"},
		),
		PeersKnown: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_peers_known",
				Help: "Coordinator peers in the mesh registry",
			},
		),
		PaymentsSettled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_payments_settled_total",
				Help: "Payment intents settled",
			},
		),
		PaymentsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_payments_rejected_total",
				Help: "Payment operations rejected, by reason",
			},
			[]string{"reason"},
		),
		CreditsIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_credits_issued_total",
				Help: "Credits issued through finalized issuance epochs",
			},
		),
		PriceEpochs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_price_epochs_total",
				Help: "Consensus price epochs persisted, by resource class",
			},
			[]string{"resource_class"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_request_duration_seconds",
				Help:    "HTTP handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
	}
}
