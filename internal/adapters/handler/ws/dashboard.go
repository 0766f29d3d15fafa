package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/protocol"
)

type dashConn struct {
	relay  *Relay
	conn   *websocket.Conn
	userID string

	cancelEvents func()

	// Local frames (history backfill) merged with bus events by writePump.
	send chan []byte
	quit chan struct{}
}

// ServeDashboard handles the dashboard relay endpoint. The session token
// comes from the fd_session cookie, with an Authorization bearer fallback
// for non-browser API callers. Invalid credentials get 401 pre-upgrade.
func (rl *Relay) ServeDashboard(w http.ResponseWriter, r *http.Request) {
	userID, err := rl.auth.AuthenticateDashboard(dashboardCredential(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("dashboard upgrade failed", "error", err)
		return
	}

	// Subscription starts at "now": reconnecting dashboards do not see
	// old events, only session output history via the ring buffer.
	events, cancel, err := rl.bus.SubscribeEvents(context.Background(), userID)
	if err != nil {
		logger.Error("event subscription failed", "user_id", userID, "error", err)
		conn.Close()
		return
	}

	dc := &dashConn{
		relay:        rl,
		conn:         conn,
		userID:       userID,
		cancelEvents: cancel,
		send:         make(chan []byte, sendBuffer),
		quit:         make(chan struct{}),
	}

	dashboardsConnected.Inc()
	go dc.writePump(events)
	dc.readPump()
}

func dashboardCredential(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func (dc *dashConn) readPump() {
	defer dc.teardown()

	dc.conn.SetReadLimit(maxMessageSize)
	dc.conn.SetReadDeadline(time.Now().Add(pongWait))
	dc.conn.SetPongHandler(func(string) error {
		dc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := dc.conn.ReadMessage()
		if err != nil {
			return
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			logger.Debug("dropping bad dashboard frame", "user_id", dc.userID, "error", err)
			continue
		}
		relayMessages.WithLabelValues("dashboard", cmd.Type).Inc()
		dc.route(context.Background(), cmd)
	}
}

// route validates ownership and forwards the command to the addressed
// machine's channel. A command for a machine with no live agent, or one
// the user does not own, is dropped without any error to the dashboard.
func (dc *dashConn) route(ctx context.Context, cmd *protocol.Command) {
	switch cmd.Type {
	case protocol.TypePing:
		return

	case protocol.TypeSessionHistory:
		dc.serveHistory(ctx, cmd.SessionHistory)
		return

	case protocol.TypeStartSession:
		machineID := cmd.StartSession.MachineID
		if machineID == "" {
			return
		}
		ownerID, err := dc.relay.registry.OwnerOf(ctx, machineID)
		if err != nil || ownerID != dc.userID {
			logger.Debug("start_session for foreign or unknown machine, dropping",
				"user_id", dc.userID, "machine_id", machineID)
			return
		}
		if cmd.StartSession.RequestID == "" {
			cmd.StartSession.RequestID = uuid.New().String()
		}
		dc.publish(ctx, machineID, cmd)

	default:
		sessionID := cmd.SessionID()
		if sessionID == "" {
			return
		}
		machineID, ownerID, err := dc.relay.directory.ResolveOwner(ctx, sessionID)
		if err != nil || ownerID != dc.userID {
			logger.Debug("command for foreign or unknown session, dropping",
				"user_id", dc.userID, "session_id", sessionID)
			return
		}
		dc.publish(ctx, machineID, cmd)
	}
}

func (dc *dashConn) publish(ctx context.Context, machineID string, cmd *protocol.Command) {
	if err := dc.relay.bus.PublishCommand(ctx, machineID, cmd); err != nil {
		logger.Warn("command publish failed", "machine_id", machineID, "error", err)
	}
}

// serveHistory replays buffered output for a session straight onto this
// connection as session_output events. Never forwarded to the agent.
func (dc *dashConn) serveHistory(ctx context.Context, req *protocol.SessionHistory) {
	_, ownerID, err := dc.relay.directory.ResolveOwner(ctx, req.SessionID)
	if err != nil || ownerID != dc.userID {
		return
	}

	chunks, err := dc.relay.buffer.Read(ctx, req.SessionID, req.Offset, req.Limit)
	if err != nil {
		logger.Warn("output buffer read failed", "session_id", req.SessionID, "error", err)
		return
	}

	for _, chunk := range chunks {
		event, err := protocol.NewEvent(protocol.TypeSessionOutput, protocol.SessionOutput{
			SessionID: req.SessionID,
			Data:      chunk,
		})
		if err != nil {
			continue
		}
		data, err := event.Encode()
		if err != nil {
			continue
		}
		select {
		case dc.send <- data:
		case <-dc.quit:
			return
		}
	}
}

func (dc *dashConn) writePump(events <-chan protocol.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		dc.conn.Close()
	}()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				dc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := event.Encode()
			if err != nil {
				continue
			}
			dc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := dc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			relayMessages.WithLabelValues("event", event.Type).Inc()
		case data := <-dc.send:
			dc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := dc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			dc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := dc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-dc.quit:
			dc.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// teardown cancels the event subscription and stops the write pump
// before the connection state is released.
func (dc *dashConn) teardown() {
	dc.cancelEvents()
	close(dc.quit)
	dc.conn.Close()
	dashboardsConnected.Dec()
}
