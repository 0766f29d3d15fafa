// Package memory implements the bus, output ring buffer, and telemetry
// cache in process. It backs the relay tests and single-node deployments
// that run without Redis, under the same ordering and drop semantics as
// the Redis adapter.
package memory

import (
	"context"
	"sync"
	"time"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/protocol"
)

const subscriberBuffer = 256

type eventSub struct {
	ch chan protocol.Event
}

type commandSub struct {
	ch chan *protocol.Command
}

type globalSub struct {
	ch chan ports.OwnedEvent
}

type ring struct {
	chunks    [][]byte
	expiresAt time.Time
}

type sample struct {
	value     domain.TelemetrySample
	expiresAt time.Time
}

type Adapter struct {
	maxLines     int
	outputTTL    time.Duration
	telemetryTTL time.Duration

	mu        sync.Mutex
	events    map[string]map[*eventSub]struct{}   // ownerID -> subs
	commands  map[string]map[*commandSub]struct{} // machineID -> subs
	global    map[*globalSub]struct{}
	output    map[string]*ring
	telemetry map[string]sample
}

func NewAdapter(maxLines int, outputTTL, telemetryTTL time.Duration) *Adapter {
	return &Adapter{
		maxLines:     maxLines,
		outputTTL:    outputTTL,
		telemetryTTL: telemetryTTL,
		events:       make(map[string]map[*eventSub]struct{}),
		commands:     make(map[string]map[*commandSub]struct{}),
		global:       make(map[*globalSub]struct{}),
		output:       make(map[string]*ring),
		telemetry:    make(map[string]sample),
	}
}

// Bus implementation

func (a *Adapter) PublishEvent(ctx context.Context, ownerID string, event protocol.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sub := range a.events[ownerID] {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop, never block the publisher.
		}
	}
	for sub := range a.global {
		select {
		case sub.ch <- ports.OwnedEvent{OwnerID: ownerID, Event: event}:
		default:
		}
	}
	return nil
}

func (a *Adapter) SubscribeEvents(ctx context.Context, ownerID string) (<-chan protocol.Event, func(), error) {
	sub := &eventSub{ch: make(chan protocol.Event, subscriberBuffer)}
	a.mu.Lock()
	if a.events[ownerID] == nil {
		a.events[ownerID] = make(map[*eventSub]struct{})
	}
	a.events[ownerID][sub] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.events[ownerID], sub)
			a.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

func (a *Adapter) PublishCommand(ctx context.Context, machineID string, cmd *protocol.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// No subscriber means no live agent: the command is dropped.
	for sub := range a.commands[machineID] {
		select {
		case sub.ch <- cmd:
		default:
		}
	}
	return nil
}

func (a *Adapter) SubscribeCommands(ctx context.Context, machineID string) (<-chan *protocol.Command, func(), error) {
	sub := &commandSub{ch: make(chan *protocol.Command, subscriberBuffer)}
	a.mu.Lock()
	if a.commands[machineID] == nil {
		a.commands[machineID] = make(map[*commandSub]struct{})
	}
	a.commands[machineID][sub] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.commands[machineID], sub)
			a.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

func (a *Adapter) SubscribeAllEvents(ctx context.Context) (<-chan ports.OwnedEvent, func(), error) {
	sub := &globalSub{ch: make(chan ports.OwnedEvent, subscriberBuffer)}
	a.mu.Lock()
	a.global[sub] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.global, sub)
			a.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// OutputBuffer implementation

func (a *Adapter) Append(ctx context.Context, sessionID string, chunk []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.output[sessionID]
	if buf == nil || time.Now().After(buf.expiresAt) {
		buf = &ring{}
		a.output[sessionID] = buf
	}
	buf.chunks = append(buf.chunks, chunk)
	if len(buf.chunks) > a.maxLines {
		buf.chunks = buf.chunks[len(buf.chunks)-a.maxLines:]
	}
	buf.expiresAt = time.Now().Add(a.outputTTL)
	return nil
}

func (a *Adapter) Read(ctx context.Context, sessionID string, offset, limit int64) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.output[sessionID]
	if buf == nil || time.Now().After(buf.expiresAt) {
		return nil, nil
	}
	if offset < 0 || offset >= int64(len(buf.chunks)) {
		return nil, nil
	}
	if limit <= 0 {
		limit = int64(a.maxLines)
	}
	end := offset + limit
	if end > int64(len(buf.chunks)) {
		end = int64(len(buf.chunks))
	}
	out := make([][]byte, end-offset)
	copy(out, buf.chunks[offset:end])
	return out, nil
}

// TelemetryCache implementation

func (a *Adapter) Put(ctx context.Context, s *domain.TelemetrySample) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.telemetry[s.MachineID] = sample{value: *s, expiresAt: time.Now().Add(a.telemetryTTL)}
	return nil
}

func (a *Adapter) Get(ctx context.Context, machineID string) (*domain.TelemetrySample, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.telemetry[machineID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	value := entry.value
	return &value, nil
}
