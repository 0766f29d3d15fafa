package ws

import (
	"sync"
	"time"

	"fleetdeck.gateway/internal/core/services"
)

type tableEntry struct {
	conn          *agentConn
	ownerID       string
	lastHeartbeat time.Time
	connectedAt   time.Time

	// Cancel for the connection's command subscription, invoked when a
	// newer register supersedes it so commands reach only one socket.
	cancelCmds func()
}

// AgentTable tracks which machines currently have a live agent socket and
// which connection holds authority for each machine id. A new register
// supersedes the previous connection (last-writer-wins); the superseded
// socket is left to die on its own ping timeout and can no longer touch
// or demote the machine.
type AgentTable struct {
	mu     sync.RWMutex
	agents map[string]*tableEntry
}

func NewAgentTable() *AgentTable {
	return &AgentTable{
		agents: make(map[string]*tableEntry),
	}
}

// Replace installs conn as the current connection for the machine and
// stops command delivery to the superseded one. Cancel funcs are
// idempotent, so racing with the old socket's own teardown is harmless.
func (t *AgentTable) Replace(machineID, ownerID string, conn *agentConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.agents[machineID]; ok && old.conn != conn && old.cancelCmds != nil {
		old.cancelCmds()
	}

	now := time.Now()
	t.agents[machineID] = &tableEntry{
		conn:          conn,
		ownerID:       ownerID,
		lastHeartbeat: now,
		connectedAt:   now,
	}
}

// SetCommandCancel attaches the command-subscription cancel to the entry,
// but only while conn still holds the machine. Returns false if the conn
// was superseded between Replace and subscribing.
func (t *AgentTable) SetCommandCancel(machineID string, conn *agentConn, cancel func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.agents[machineID]
	if !ok || entry.conn != conn {
		return false
	}
	entry.cancelCmds = cancel
	return true
}

// Touch refreshes the heartbeat timestamp, but only for the connection
// that currently holds the machine. Returns false for superseded conns.
func (t *AgentTable) Touch(machineID string, conn *agentConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.agents[machineID]
	if !ok || entry.conn != conn {
		return false
	}
	entry.lastHeartbeat = time.Now()
	return true
}

// RemoveIfCurrent drops the entry if conn still holds the machine.
// Exactly one closing connection observes true per entry, which is what
// keeps the offline transition single-shot.
func (t *AgentTable) RemoveIfCurrent(machineID string, conn *agentConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.agents[machineID]
	if !ok || entry.conn != conn {
		return false
	}
	delete(t.agents, machineID)
	return true
}

// Snapshot implements services.LiveAgents for the watchdog scan.
func (t *AgentTable) Snapshot() []services.LiveAgent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	live := make([]services.LiveAgent, 0, len(t.agents))
	for machineID, entry := range t.agents {
		live = append(live, services.LiveAgent{
			MachineID:     machineID,
			OwnerID:       entry.ownerID,
			LastHeartbeat: entry.lastHeartbeat,
		})
	}
	return live
}

// Count returns the number of machines with a live connection.
func (t *AgentTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.agents)
}
