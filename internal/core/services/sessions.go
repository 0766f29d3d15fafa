package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/protocol"
)

// Directory owns the running/stopped/crashed state machine for terminal
// sessions and resolves a session to its owning machine and user.
// Transitions are monotonic: terminal writes replayed by a retrying agent
// are accepted as no-ops, with no second event and no duplicate alert.
type Directory struct {
	sessions ports.SessionRepository
	machines ports.MachineRepository
	bus      ports.Bus
}

func NewDirectory(sessions ports.SessionRepository, machines ports.MachineRepository, bus ports.Bus) *Directory {
	return &Directory{
		sessions: sessions,
		machines: machines,
		bus:      bus,
	}
}

func (d *Directory) RecordStarted(ctx context.Context, ownerID, machineID string, info protocol.SessionInfo) {
	session := &domain.Session{
		ID:          info.ID,
		MachineID:   machineID,
		ProcessName: info.ProcessName,
		Workdir:     info.Workdir,
		PID:         info.PID,
		Status:      domain.SessionStatusRunning,
		StartedAt:   info.StartedAt,
	}
	if err := d.sessions.Create(ctx, session); err != nil {
		logger.Error("session create failed", "session_id", info.ID, "error", err)
	}

	d.publish(ctx, ownerID, protocol.TypeSessionStarted, protocol.SessionStarted{Session: info})
}

func (d *Directory) RecordStopped(ctx context.Context, ownerID, sessionID string, exitCode *int) {
	changed, err := d.sessions.MarkStopped(ctx, sessionID, exitCode)
	if err != nil {
		logger.Error("session stop failed", "session_id", sessionID, "error", err)
		return
	}
	if !changed {
		return
	}

	d.publish(ctx, ownerID, protocol.TypeSessionStopped, protocol.SessionStopped{
		SessionID: sessionID,
		ExitCode:  exitCode,
	})
}

func (d *Directory) RecordCrashed(ctx context.Context, ownerID, sessionID, errorText string) {
	changed, err := d.sessions.MarkCrashed(ctx, sessionID, errorText)
	if err != nil {
		logger.Error("session crash record failed", "session_id", sessionID, "error", err)
		return
	}
	if !changed {
		return
	}

	d.publish(ctx, ownerID, protocol.TypeSessionCrashed, protocol.SessionCrashed{
		SessionID: sessionID,
		Error:     errorText,
	})

	alert, err := protocol.AlertFired(protocol.Alert{
		AlertID:  uuid.New().String(),
		Message:  fmt.Sprintf("session %s crashed: %s", sessionID, errorText),
		Severity: "error",
	})
	if err != nil {
		logger.Error("encode crash alert", "session_id", sessionID, "error", err)
		return
	}
	if err := d.bus.PublishEvent(ctx, ownerID, alert); err != nil {
		logger.Warn("crash alert publish failed", "session_id", sessionID, "error", err)
	}
}

// ResolveOwner maps a session to its machine and the machine's recorded
// owner. Used to route dashboard commands without trusting the client's
// claimed machine id.
func (d *Directory) ResolveOwner(ctx context.Context, sessionID string) (machineID, ownerID string, err error) {
	session, err := d.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", "", err
	}
	machine, err := d.machines.GetMachine(ctx, session.MachineID)
	if err != nil {
		return "", "", err
	}
	return machine.ID, machine.OwnerID, nil
}

func (d *Directory) publish(ctx context.Context, ownerID, eventType string, payload any) {
	event, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		logger.Error("encode session event", "type", eventType, "error", err)
		return
	}
	if err := d.bus.PublishEvent(ctx, ownerID, event); err != nil {
		logger.Warn("session event publish failed", "type", eventType, "error", err)
	}
}
