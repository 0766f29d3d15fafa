package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/protocol"
)

// agentConn is the owned state of one agent socket: no closures, one
// struct torn down in a single place when the read loop exits.
type agentConn struct {
	relay   *Relay
	conn    *websocket.Conn
	ownerID string

	// Set by the first register message.
	machineID  string
	cancelCmds func()

	send chan []byte
	quit chan struct{}
}

// ServeAgent handles the agent relay endpoint. The bearer API key rides
// in the api_key query parameter; a missing or invalid key is rejected
// with 401 before any upgrade happens.
func (rl *Relay) ServeAgent(w http.ResponseWriter, r *http.Request) {
	ownerID, err := rl.auth.AuthenticateAgent(r.Context(), r.URL.Query().Get("api_key"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("agent upgrade failed", "error", err)
		return
	}

	ac := &agentConn{
		relay:   rl,
		conn:    conn,
		ownerID: ownerID,
		send:    make(chan []byte, sendBuffer),
		quit:    make(chan struct{}),
	}

	agentsConnected.Inc()
	go ac.writePump()
	ac.readPump()
}

// readPump processes the socket's stream in arrival order. Malformed or
// unknown frames are dropped without closing the connection.
func (ac *agentConn) readPump() {
	defer ac.teardown()

	ac.conn.SetReadLimit(maxMessageSize)
	ac.conn.SetReadDeadline(time.Now().Add(pongWait))
	ac.conn.SetPongHandler(func(string) error {
		ac.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ac.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.DecodeAgentMessage(data)
		if err != nil {
			logger.Debug("dropping bad agent frame", "machine_id", ac.machineID, "error", err)
			continue
		}
		relayMessages.WithLabelValues("agent", msg.Type).Inc()
		ac.handle(context.Background(), msg)
	}
}

func (ac *agentConn) handle(ctx context.Context, msg *protocol.AgentMessage) {
	switch msg.Type {
	case protocol.TypeRegister:
		ac.handleRegister(ctx, msg.Register)

	case protocol.TypeHeartbeat:
		if ac.machineID == "" {
			logger.Debug("heartbeat before register, dropping", "owner_id", ac.ownerID)
			return
		}
		if !ac.relay.table.Touch(ac.machineID, ac) {
			// Superseded by a newer register for the same machine.
			return
		}
		// The registered machine id is authoritative over the claim in
		// the message body.
		hb := *msg.Heartbeat
		hb.MachineID = ac.machineID
		ac.relay.registry.RefreshOnHeartbeat(ctx, ac.ownerID, &hb)

	case protocol.TypeSessionStarted:
		if ac.machineID == "" {
			return
		}
		ac.relay.directory.RecordStarted(ctx, ac.ownerID, ac.machineID, msg.SessionStarted.Session)

	case protocol.TypeSessionStopped:
		if !ac.ownsSession(ctx, msg.SessionStopped.SessionID) {
			return
		}
		ac.relay.directory.RecordStopped(ctx, ac.ownerID, msg.SessionStopped.SessionID, msg.SessionStopped.ExitCode)

	case protocol.TypeSessionCrashed:
		if !ac.ownsSession(ctx, msg.SessionCrashed.SessionID) {
			return
		}
		ac.relay.directory.RecordCrashed(ctx, ac.ownerID, msg.SessionCrashed.SessionID, msg.SessionCrashed.Error)

	case protocol.TypeSessionOutput:
		ac.handleOutput(ctx, msg.SessionOutput)
	}
}

func (ac *agentConn) handleRegister(ctx context.Context, reg *protocol.Register) {
	if reg.MachineID == "" {
		logger.Debug("register without machine id, dropping", "owner_id", ac.ownerID)
		return
	}

	if ac.machineID != "" && ac.machineID != reg.MachineID {
		// Same socket re-registering as a different machine: release the
		// old identity first.
		if ac.cancelCmds != nil {
			ac.cancelCmds()
			ac.cancelCmds = nil
		}
		ac.relay.table.RemoveIfCurrent(ac.machineID, ac)
		ac.machineID = ""
	}

	ac.relay.table.Replace(reg.MachineID, ac.ownerID, ac)
	ac.machineID = reg.MachineID
	ac.relay.registry.UpsertOnRegister(ctx, ac.ownerID, reg)

	if ac.cancelCmds == nil {
		cmds, cancel, err := ac.relay.bus.SubscribeCommands(ctx, ac.machineID)
		if err != nil {
			logger.Error("command subscription failed", "machine_id", ac.machineID, "error", err)
			return
		}
		if !ac.relay.table.SetCommandCancel(ac.machineID, ac, cancel) {
			// Superseded between Replace and subscribing.
			cancel()
			return
		}
		ac.cancelCmds = cancel
		go ac.forwardCommands(cmds)
	}
}

// ownsSession reports whether the session belongs to the machine this
// connection registered as. Lifecycle and output frames for foreign or
// unknown sessions are dropped; the agent is never trusted on ownership.
func (ac *agentConn) ownsSession(ctx context.Context, sessionID string) bool {
	if ac.machineID == "" || sessionID == "" {
		return false
	}
	machineID, _, err := ac.relay.directory.ResolveOwner(ctx, sessionID)
	if err != nil || machineID != ac.machineID {
		logger.Debug("dropping agent frame for foreign or unknown session",
			"machine_id", ac.machineID, "session_id", sessionID)
		return false
	}
	return true
}

func (ac *agentConn) handleOutput(ctx context.Context, out *protocol.SessionOutput) {
	// The session is recorded by the session_started frame on this same
	// socket, which is processed before any of its output arrives.
	machineID, ownerID, err := ac.relay.directory.ResolveOwner(ctx, out.SessionID)
	if err != nil || machineID != ac.machineID {
		logger.Debug("dropping output for foreign or unknown session",
			"machine_id", ac.machineID, "session_id", out.SessionID)
		return
	}

	if err := ac.relay.buffer.Append(ctx, out.SessionID, out.Data); err != nil {
		logger.Warn("output buffer append failed", "session_id", out.SessionID, "error", err)
	}

	event, err := protocol.NewEvent(protocol.TypeSessionOutput, out)
	if err != nil {
		return
	}
	if err := ac.relay.bus.PublishEvent(ctx, ownerID, event); err != nil {
		logger.Warn("output publish failed", "session_id", out.SessionID, "error", err)
	}
}

// forwardCommands moves bus commands onto the socket's send channel.
func (ac *agentConn) forwardCommands(cmds <-chan *protocol.Command) {
	for cmd := range cmds {
		data, err := cmd.Encode()
		if err != nil {
			continue
		}
		relayMessages.WithLabelValues("command", cmd.Type).Inc()
		select {
		case ac.send <- data:
		case <-ac.quit:
			return
		}
	}
}

func (ac *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ac.conn.Close()
	}()
	for {
		select {
		case data := <-ac.send:
			ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ac.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ac.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ac.quit:
			ac.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// teardown stops the connection's subscription and timers before any
// further side effects, then performs at most one offline demotion, and
// only if this connection still holds authority for the machine.
func (ac *agentConn) teardown() {
	if ac.cancelCmds != nil {
		ac.cancelCmds()
	}
	close(ac.quit)
	ac.conn.Close()

	if ac.machineID != "" && ac.relay.table.RemoveIfCurrent(ac.machineID, ac) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ac.relay.registry.MarkOffline(ctx, ac.ownerID, ac.machineID); err != nil {
			logger.Warn("offline demotion on close failed", "machine_id", ac.machineID, "error", err)
		}
	}

	agentsConnected.Dec()
}
