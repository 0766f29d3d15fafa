package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	agentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_agent_connections",
			Help: "Number of currently connected agent sockets",
		},
	)

	dashboardsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_dashboard_connections",
			Help: "Number of currently connected dashboard sockets",
		},
	)

	relayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_relay_messages_total",
			Help: "Messages relayed, by direction and envelope type",
		},
		[]string{"direction", "type"},
	)
)
