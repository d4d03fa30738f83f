// Package metrics defines the Prometheus instruments for the delivery
// fabric. Collectors are registered on the default registry and exposed on
// the gateway's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sessions is the number of live WebSocket sessions on this gateway.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshtalk",
		Subsystem: "ws",
		Name:      "sessions",
		Help:      "Live WebSocket sessions on this gateway.",
	})

	// EnvelopesDelivered counts envelopes pushed to users, by path:
	// "local" (session on this gateway), "remote" (forwarded via Rock),
	// "dropped" (no route, or fail-soft on presence/transport errors).
	EnvelopesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshtalk",
		Subsystem: "dispatch",
		Name:      "envelopes_total",
		Help:      "Envelopes pushed to users by delivery path.",
	}, []string{"path"})

	// RockRequests counts client-side Rock requests by outcome:
	// "ok", "remote_error", "timeout", "not_connect", "cancelled".
	RockRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshtalk",
		Subsystem: "rock",
		Name:      "requests_total",
		Help:      "Outbound Rock requests by outcome.",
	}, []string{"outcome"})

	// PresenceEntries is the number of bindings in the presence store.
	// Only presenced updates this gauge.
	PresenceEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshtalk",
		Subsystem: "presence",
		Name:      "entries",
		Help:      "Current uid->gateway bindings in the presence store.",
	})
)
