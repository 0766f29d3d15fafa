package ports

import (
	"context"
	"errors"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/protocol"
)

var ErrNotFound = errors.New("record not found")

type MachineRepository interface {
	// Upsert is the idempotent create-or-update behind register.
	Upsert(ctx context.Context, machine *domain.Machine) error
	// RefreshHeartbeat forces status online and bumps last_seen.
	RefreshHeartbeat(ctx context.Context, machineID string) error
	// MarkOffline reports whether the row actually transitioned, so a
	// concurrent watchdog tick and socket close produce one event.
	MarkOffline(ctx context.Context, machineID string) (bool, error)
	GetMachine(ctx context.Context, machineID string) (*domain.Machine, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	// MarkStopped and MarkCrashed are conditional on status=running and
	// report whether the transition happened. Terminal states are final.
	MarkStopped(ctx context.Context, sessionID string, exitCode *int) (bool, error)
	MarkCrashed(ctx context.Context, sessionID string, errorText string) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

type APIKeyRepository interface {
	// GetByHash looks a key up by the SHA-256 hex of the raw token.
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string) error
}

// OwnedEvent pairs an event with the owner channel it was published on.
type OwnedEvent struct {
	OwnerID string
	Event   protocol.Event
}

// Bus is the cross-process message router substrate. Delivery is ordered
// per (owner, channel) pair; a slow subscriber never blocks a publisher
// (messages to it are dropped instead). Commands to a machine with no
// live subscriber are dropped (at-most-once).
type Bus interface {
	PublishEvent(ctx context.Context, ownerID string, event protocol.Event) error
	SubscribeEvents(ctx context.Context, ownerID string) (<-chan protocol.Event, func(), error)
	PublishCommand(ctx context.Context, machineID string, cmd *protocol.Command) error
	SubscribeCommands(ctx context.Context, machineID string) (<-chan *protocol.Command, func(), error)
	// SubscribeAllEvents taps every owner channel (MQTT bridge).
	SubscribeAllEvents(ctx context.Context) (<-chan OwnedEvent, func(), error)
}

// OutputBuffer is the bounded, TTL-limited terminal output store. Oldest
// entries are silently dropped past the line cap; it is not an audit log.
type OutputBuffer interface {
	Append(ctx context.Context, sessionID string, chunk []byte) error
	Read(ctx context.Context, sessionID string, offset, limit int64) ([][]byte, error)
}

type TelemetryCache interface {
	Put(ctx context.Context, sample *domain.TelemetrySample) error
	// Get returns (nil, nil) on a cache miss.
	Get(ctx context.Context, machineID string) (*domain.TelemetrySample, error)
}
