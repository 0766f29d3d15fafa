// Package ws implements the two relay WebSocket endpoints: the agent
// endpoint machines connect to and the dashboard endpoint browsers
// connect to. Each connection is owned by its handler goroutine; all
// cross-connection traffic goes through the bus, never through shared
// in-memory state.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetdeck.gateway/internal/core/auth"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/services"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Output chunks dominate.
	maxMessageSize = 1 << 20

	// Outbound frame buffer per connection.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Agents are non-browser clients and dashboards are
		// authenticated by signed token before the upgrade.
		return true
	},
}

// SessionCookieName carries the dashboard session token.
const SessionCookieName = "fd_session"

// Relay wires the relay endpoints to the services behind them.
type Relay struct {
	auth      *auth.Authenticator
	registry  *services.Registry
	directory *services.Directory
	buffer    ports.OutputBuffer
	bus       ports.Bus
	table     *AgentTable
}

func NewRelay(
	authenticator *auth.Authenticator,
	registry *services.Registry,
	directory *services.Directory,
	buffer ports.OutputBuffer,
	bus ports.Bus,
	table *AgentTable,
) *Relay {
	return &Relay{
		auth:      authenticator,
		registry:  registry,
		directory: directory,
		buffer:    buffer,
		bus:       bus,
		table:     table,
	}
}
