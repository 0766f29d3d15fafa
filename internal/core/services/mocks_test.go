package services

import (
	"context"
	"sync"
	"time"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/protocol"
)

type fakeMachineRepo struct {
	mu       sync.Mutex
	machines map[string]*domain.Machine
	failWith error
	upserts  int
}

func newFakeMachineRepo() *fakeMachineRepo {
	return &fakeMachineRepo{machines: map[string]*domain.Machine{}}
}

func (f *fakeMachineRepo) Upsert(ctx context.Context, machine *domain.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.upserts++
	copied := *machine
	f.machines[machine.ID] = &copied
	return nil
}

func (f *fakeMachineRepo) RefreshHeartbeat(ctx context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	m, ok := f.machines[machineID]
	if !ok {
		return ports.ErrNotFound
	}
	m.Status = domain.MachineStatusOnline
	m.LastSeenAt = time.Now()
	return nil
}

func (f *fakeMachineRepo) MarkOffline(ctx context.Context, machineID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	m, ok := f.machines[machineID]
	if !ok || m.Status == domain.MachineStatusOffline {
		return false, nil
	}
	m.Status = domain.MachineStatusOffline
	return true, nil
}

func (f *fakeMachineRepo) GetMachine(ctx context.Context, machineID string) (*domain.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[machineID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]*domain.Session{}}
}

func (f *fakeSessionRepo) Create(ctx context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeSessionRepo) MarkStopped(ctx context.Context, sessionID string, exitCode *int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != domain.SessionStatusRunning {
		return false, nil
	}
	s.Status = domain.SessionStatusStopped
	s.ExitCode = exitCode
	now := time.Now()
	s.StoppedAt = &now
	return true, nil
}

func (f *fakeSessionRepo) MarkCrashed(ctx context.Context, sessionID string, errorText string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != domain.SessionStatusRunning {
		return false, nil
	}
	s.Status = domain.SessionStatusCrashed
	s.ErrorText = errorText
	now := time.Now()
	s.StoppedAt = &now
	return true, nil
}

func (f *fakeSessionRepo) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

type fakeTelemetryCache struct {
	mu      sync.Mutex
	samples map[string]*domain.TelemetrySample
}

func newFakeTelemetryCache() *fakeTelemetryCache {
	return &fakeTelemetryCache{samples: map[string]*domain.TelemetrySample{}}
}

func (f *fakeTelemetryCache) Put(ctx context.Context, sample *domain.TelemetrySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *sample
	f.samples[sample.MachineID] = &copied
	return nil
}

func (f *fakeTelemetryCache) Get(ctx context.Context, machineID string) (*domain.TelemetrySample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[machineID], nil
}

// recordingBus captures every published event, keyed by owner.
type recordingBus struct {
	mu     sync.Mutex
	events map[string][]protocol.Event
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: map[string][]protocol.Event{}}
}

func (b *recordingBus) PublishEvent(ctx context.Context, ownerID string, event protocol.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[ownerID] = append(b.events[ownerID], event)
	return nil
}

func (b *recordingBus) published(ownerID string) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Event(nil), b.events[ownerID]...)
}

func (b *recordingBus) SubscribeEvents(ctx context.Context, ownerID string) (<-chan protocol.Event, func(), error) {
	ch := make(chan protocol.Event)
	return ch, func() {}, nil
}

func (b *recordingBus) PublishCommand(ctx context.Context, machineID string, cmd *protocol.Command) error {
	return nil
}

func (b *recordingBus) SubscribeCommands(ctx context.Context, machineID string) (<-chan *protocol.Command, func(), error) {
	ch := make(chan *protocol.Command)
	return ch, func() {}, nil
}

func (b *recordingBus) SubscribeAllEvents(ctx context.Context) (<-chan ports.OwnedEvent, func(), error) {
	ch := make(chan ports.OwnedEvent)
	return ch, func() {}, nil
}

type staticLiveAgents struct {
	agents []LiveAgent
}

func (s *staticLiveAgents) Snapshot() []LiveAgent {
	return append([]LiveAgent(nil), s.agents...)
}
