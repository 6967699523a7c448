// Package metrics exposes the Prometheus counters and gauges the router and
// watchtower update for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every counter the core publishes. Callers register it
// once against a prometheus.Registerer (typically the default one) at
// process start.
type Registry struct {
	RouterMessagesDecoded  *prometheus.CounterVec
	RouterMessagesRejected *prometheus.CounterVec
	RouterAcksReplayed     prometheus.Counter
	CheckpointsSubmitted   prometheus.Counter
	CheckpointsObserved    prometheus.Counter
	EscalationsValid       prometheus.Counter
	EscalationsInvalid     prometheus.Counter
	GenAttempts            prometheus.Histogram
}

// NewRegistry constructs and registers a Registry against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RouterMessagesDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kdapp",
			Subsystem: "router",
			Name:      "messages_decoded_total",
			Help:      "TLV messages successfully decoded, by message type.",
		}, []string{"msg_type"}),
		RouterMessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kdapp",
			Subsystem: "router",
			Name:      "messages_rejected_total",
			Help:      "TLV messages dropped, by reason.",
		}, []string{"reason"}),
		RouterAcksReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kdapp",
			Subsystem: "router",
			Name:      "acks_replayed_total",
			Help:      "Duplicate requests answered from the idempotent ack cache instead of reprocessing.",
		}),
		CheckpointsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kdapp",
			Subsystem: "checkpoint",
			Name:      "submitted_total",
			Help:      "OKCP records submitted to the chain.",
		}),
		CheckpointsObserved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kdapp",
			Subsystem: "watchtower",
			Name:      "checkpoints_observed_total",
			Help:      "OKCP records decoded by the watchtower.",
		}),
		EscalationsValid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kdapp",
			Subsystem: "watchtower",
			Name:      "escalations_valid_total",
			Help:      "Dispute escalations matching a known checkpoint.",
		}),
		EscalationsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kdapp",
			Subsystem: "watchtower",
			Name:      "escalations_invalid_total",
			Help:      "Dispute escalations rejected for lacking a matching checkpoint.",
		}),
		GenAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kdapp",
			Subsystem: "generator",
			Name:      "pattern_attempts",
			Help:      "Nonce-grind attempts consumed per built transaction.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}
