package services

import (
	"context"
	"time"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/protocol"
)

// Registry owns the online/offline state machine for machines. The live
// socket is the source of truth for reachability; durable writes are
// best-effort and never terminate a healthy connection.
type Registry struct {
	machines  ports.MachineRepository
	telemetry ports.TelemetryCache
	bus       ports.Bus
}

func NewRegistry(machines ports.MachineRepository, telemetry ports.TelemetryCache, bus ports.Bus) *Registry {
	return &Registry{
		machines:  machines,
		telemetry: telemetry,
		bus:       bus,
	}
}

// UpsertOnRegister creates or updates the machine record, forcing status
// online. Safe to replay with the same machine id (reconnect/retry).
func (r *Registry) UpsertOnRegister(ctx context.Context, ownerID string, reg *protocol.Register) {
	machine := &domain.Machine{
		ID:           reg.MachineID,
		OwnerID:      ownerID,
		Name:         reg.Name,
		OS:           domain.MachineOS(reg.OS),
		Hostname:     reg.Hostname,
		AgentVersion: reg.Version,
		Status:       domain.MachineStatusOnline,
		LastSeenAt:   time.Now(),
	}
	if err := r.machines.Upsert(ctx, machine); err != nil {
		logger.Error("machine upsert failed", "machine_id", reg.MachineID, "error", err)
	}

	r.publishUpdate(ctx, ownerID, protocol.MachineUpdate{
		ID:     reg.MachineID,
		Status: string(domain.MachineStatusOnline),
	})
}

// RefreshOnHeartbeat bumps last-seen, forces online, refreshes the
// telemetry cache, and fans the fresh sample out to the owner's dashboards.
func (r *Registry) RefreshOnHeartbeat(ctx context.Context, ownerID string, hb *protocol.Heartbeat) {
	if err := r.machines.RefreshHeartbeat(ctx, hb.MachineID); err != nil {
		logger.Error("heartbeat refresh failed", "machine_id", hb.MachineID, "error", err)
	}

	sample := &domain.TelemetrySample{
		MachineID:    hb.MachineID,
		CPU:          hb.CPU,
		Memory:       hb.Memory,
		Disk:         hb.Disk,
		SessionCount: hb.SessionCount,
		CapturedAt:   time.Now(),
	}
	if err := r.telemetry.Put(ctx, sample); err != nil {
		logger.Warn("telemetry cache write failed", "machine_id", hb.MachineID, "error", err)
	}

	r.publishUpdate(ctx, ownerID, protocol.MachineUpdate{
		ID:     hb.MachineID,
		Status: string(domain.MachineStatusOnline),
		CPU:    hb.CPU,
		Memory: hb.Memory,
	})
}

// MarkOffline demotes the machine. Idempotent: the dashboards see one
// offline event no matter how many paths (watchdog, socket close) race
// into it. The returned error lets the watchdog retry next tick.
func (r *Registry) MarkOffline(ctx context.Context, ownerID, machineID string) error {
	changed, err := r.machines.MarkOffline(ctx, machineID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	r.publishUpdate(ctx, ownerID, protocol.MachineUpdate{
		ID:     machineID,
		Status: string(domain.MachineStatusOffline),
	})
	return nil
}

// Telemetry returns the cached sample for a machine, or nil when expired.
func (r *Registry) Telemetry(ctx context.Context, machineID string) *domain.TelemetrySample {
	sample, err := r.telemetry.Get(ctx, machineID)
	if err != nil {
		logger.Warn("telemetry cache read failed", "machine_id", machineID, "error", err)
		return nil
	}
	return sample
}

// OwnerOf resolves the owner recorded for a machine.
func (r *Registry) OwnerOf(ctx context.Context, machineID string) (string, error) {
	machine, err := r.machines.GetMachine(ctx, machineID)
	if err != nil {
		return "", err
	}
	return machine.OwnerID, nil
}

func (r *Registry) publishUpdate(ctx context.Context, ownerID string, update protocol.MachineUpdate) {
	event, err := protocol.MachineUpdated(update)
	if err != nil {
		logger.Error("encode machine update", "machine_id", update.ID, "error", err)
		return
	}
	if err := r.bus.PublishEvent(ctx, ownerID, event); err != nil {
		logger.Warn("machine update publish failed", "machine_id", update.ID, "error", err)
	}
}
