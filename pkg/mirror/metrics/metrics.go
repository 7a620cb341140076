// Package metrics exposes Prometheus counters for the group-communication
// layers. Non-goals exclude consistency/fault-tolerance features, not
// ambient observability, so every node registers these regardless of
// which role (client or server) it plays.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BroadcastsTotal counts r_broadcast invocations, labeled by outcome.
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrorfs",
		Subsystem: "broadcast",
		Name:      "total",
		Help:      "Reliable broadcasts issued, labeled by outcome.",
	}, []string{"outcome"})

	// ForwardsTotal counts eager re-forwards performed on r_deliver.
	ForwardsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrorfs",
		Subsystem: "broadcast",
		Name:      "forwards_total",
		Help:      "Messages eagerly re-forwarded on delivery.",
	})

	// AckTimeoutsTotal counts pending acknowledgements that expired.
	AckTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrorfs",
		Subsystem: "ack",
		Name:      "timeouts_total",
		Help:      "Outstanding acknowledgements that exceeded their deadline.",
	})

	// FileEffectsTotal counts applied file effects, labeled by command.
	FileEffectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrorfs",
		Subsystem: "server",
		Name:      "file_effects_total",
		Help:      "File effects applied to the mirrored tree, labeled by command.",
	}, []string{"command"})

	// AuthorizationDeniedTotal counts authorization-gate rejections.
	AuthorizationDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrorfs",
		Subsystem: "server",
		Name:      "authorization_denied_total",
		Help:      "FILE requests rejected by the authorization gate, labeled by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(BroadcastsTotal, ForwardsTotal, AckTimeoutsTotal, FileEffectsTotal, AuthorizationDeniedTotal)
}
