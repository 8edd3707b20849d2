// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InboundDropped counts inbound work items discarded because the
	// durable queue rejected them.
	InboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_inbound_dropped_total",
		Help: "Inbound messages dropped after a queue enqueue failure",
	})

	// ReconnectAttempts counts reconnection attempts scheduled by the
	// supervisor across all tenants.
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_reconnect_attempts_total",
		Help: "Reconnection attempts scheduled by the supervisor",
	})

	// PairingFallbacks counts silent downgrades from the pairing-code
	// flow to the scannable-code flow.
	PairingFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_pairing_fallback_total",
		Help: "Pairing-code issuance failures that fell back to QR",
	})

	// ActiveConnections tracks currently registered tenant connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wabridge_active_connections",
		Help: "Tenant connections currently registered",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
