package services

import (
	"context"
	"time"

	"fleetdeck.gateway/internal/core/logger"
)

// LiveAgent is the watchdog's view of one connected agent.
type LiveAgent struct {
	MachineID     string
	OwnerID       string
	LastHeartbeat time.Time
}

// LiveAgents is the in-process table of machines with an open agent
// socket. Only those are scanned; machines with no connection were
// already demoted by the close handler.
type LiveAgents interface {
	Snapshot() []LiveAgent
}

// Watchdog demotes machines whose agent has gone quiet. One ticker per
// process, deliberately decoupled from socket close: a hung client can be
// demoted while its socket is still open, and a clean close demotes
// immediately through the same idempotent Registry path.
type Watchdog struct {
	live     LiveAgents
	registry *Registry
	interval time.Duration
	timeout  time.Duration
}

func NewWatchdog(live LiveAgents, registry *Registry, interval, timeout time.Duration) *Watchdog {
	return &Watchdog{
		live:     live,
		registry: registry,
		interval: interval,
		timeout:  timeout,
	}
}

// Start runs the scan loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan demotes every live-table machine past the heartbeat timeout.
// Failures are logged and retried on the next tick.
func (w *Watchdog) Scan(ctx context.Context) {
	now := time.Now()
	for _, agent := range w.live.Snapshot() {
		if now.Sub(agent.LastHeartbeat) <= w.timeout {
			continue
		}

		scanCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := w.registry.MarkOffline(scanCtx, agent.OwnerID, agent.MachineID)
		cancel()
		if err != nil {
			logger.Warn("watchdog demotion failed, will retry",
				"machine_id", agent.MachineID, "error", err)
			continue
		}
		logger.Info("machine demoted to offline after missed heartbeats",
			"machine_id", agent.MachineID,
			"last_heartbeat", agent.LastHeartbeat)
	}
}
