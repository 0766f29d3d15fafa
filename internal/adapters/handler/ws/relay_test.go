package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleetdeck.gateway/internal/adapters/bus/memory"
	"fleetdeck.gateway/internal/core/auth"
	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/protocol"
	"fleetdeck.gateway/internal/core/services"
)

const (
	testSecret   = "relay-test-secret"
	testAPIKey   = "fd_live_relay_test"
	otherUserKey = "fd_live_other_tenant"
)

type fakeStore struct {
	mu       sync.Mutex
	machines map[string]*domain.Machine
	sessions map[string]*domain.Session
	keys     map[string]*domain.APIKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		machines: map[string]*domain.Machine{},
		sessions: map[string]*domain.Session{},
		keys: map[string]*domain.APIKey{
			auth.HashKey(testAPIKey):   {ID: "k1", OwnerID: "u1", KeyHash: auth.HashKey(testAPIKey)},
			auth.HashKey(otherUserKey): {ID: "k2", OwnerID: "u2", KeyHash: auth.HashKey(otherUserKey)},
		},
	}
}

func (f *fakeStore) Upsert(ctx context.Context, machine *domain.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *machine
	f.machines[machine.ID] = &copied
	return nil
}

func (f *fakeStore) RefreshHeartbeat(ctx context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.machines[machineID]; ok {
		m.Status = domain.MachineStatusOnline
		m.LastSeenAt = time.Now()
	}
	return nil
}

func (f *fakeStore) MarkOffline(ctx context.Context, machineID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[machineID]
	if !ok || m.Status == domain.MachineStatusOffline {
		return false, nil
	}
	m.Status = domain.MachineStatusOffline
	return true, nil
}

func (f *fakeStore) GetMachine(ctx context.Context, machineID string) (*domain.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[machineID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) Create(ctx context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeStore) MarkStopped(ctx context.Context, sessionID string, exitCode *int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != domain.SessionStatusRunning {
		return false, nil
	}
	s.Status = domain.SessionStatusStopped
	s.ExitCode = exitCode
	return true, nil
}

func (f *fakeStore) MarkCrashed(ctx context.Context, sessionID string, errorText string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != domain.SessionStatusRunning {
		return false, nil
	}
	s.Status = domain.SessionStatusCrashed
	s.ErrorText = errorText
	return true, nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[keyHash]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return key, nil
}

func (f *fakeStore) TouchLastUsed(ctx context.Context, keyID string) error {
	return nil
}

type relayFixture struct {
	server        *httptest.Server
	store         *fakeStore
	adapter       *memory.Adapter
	authenticator *auth.Authenticator
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	store := newFakeStore()
	adapter := memory.NewAdapter(2000, 7*24*time.Hour, time.Minute)
	authenticator := auth.NewAuthenticator(store, testSecret)
	registry := services.NewRegistry(store, adapter, adapter)
	directory := services.NewDirectory(store, store, adapter)
	relay := NewRelay(authenticator, registry, directory, adapter, adapter, NewAgentTable())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", relay.ServeAgent)
	mux.HandleFunc("/ws/dashboard", relay.ServeDashboard)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &relayFixture{server: server, store: store, adapter: adapter, authenticator: authenticator}
}

func (f *relayFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func (f *relayFixture) dialAgent(t *testing.T, apiKey string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/agent?api_key="+apiKey), nil)
	if err != nil {
		t.Fatalf("agent dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *relayFixture) dialDashboard(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := f.authenticator.SessionToken(userID, time.Hour)
	if err != nil {
		t.Fatalf("SessionToken() error = %v", err)
	}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/dashboard"), header)
	if err != nil {
		t.Fatalf("dashboard dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// awaitEvent reads until an event of the wanted type arrives or the
// deadline expires.
func awaitEvent(t *testing.T, conn *websocket.Conn, eventType string) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", eventType, err)
		}
		event, err := protocol.DecodeEvent(data)
		if err != nil {
			t.Fatalf("bad event frame %s: %v", data, err)
		}
		if event.Type == eventType {
			return event
		}
	}
}

func machineFromEvent(t *testing.T, e protocol.Event) protocol.MachineUpdate {
	t.Helper()
	var body struct {
		Machine protocol.MachineUpdate `json:"machine"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		t.Fatalf("decode machine payload: %v", err)
	}
	return body.Machine
}

func TestAgentRejectedPreUpgrade(t *testing.T) {
	f := newRelayFixture(t)

	for name, url := range map[string]string{
		"missing key": f.wsURL("/ws/agent"),
		"bad key":     f.wsURL("/ws/agent?api_key=fd_live_wrong"),
	} {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				conn.Close()
				t.Fatal("handshake succeeded without a valid key")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %v, want 401", resp)
			}
		})
	}
}

func TestDashboardRejectedPreUpgrade(t *testing.T) {
	f := newRelayFixture(t)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/dashboard"), nil)
	if err == nil {
		conn.Close()
		t.Fatal("handshake succeeded without a session token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestRegisterReachesDashboard(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")
	agent := f.dialAgent(t, testAPIKey)

	sendJSON(t, agent, `{"type":"register","machineId":"m1","name":"build-box","os":"linux","hostname":"bb.local","version":"1.0.0"}`)

	update := machineFromEvent(t, awaitEvent(t, dashboard, protocol.TypeMachineUpdated))
	if update.ID != "m1" || update.Status != "online" {
		t.Errorf("update = %+v, want m1 online", update)
	}

	machine, err := f.store.GetMachine(context.Background(), "m1")
	if err != nil {
		t.Fatalf("machine not persisted: %v", err)
	}
	if machine.OwnerID != "u1" || machine.Status != domain.MachineStatusOnline {
		t.Errorf("machine = %+v", machine)
	}
}

func TestHeartbeatTelemetryReachesDashboard(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")
	agent := f.dialAgent(t, testAPIKey)

	sendJSON(t, agent, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)

	sendJSON(t, agent, `{"type":"heartbeat","machineId":"m1","cpu":90,"memory":70,"disk":12,"sessionCount":2}`)

	update := machineFromEvent(t, awaitEvent(t, dashboard, protocol.TypeMachineUpdated))
	if update.CPU != 90 || update.Memory != 70 || update.Status != "online" {
		t.Errorf("heartbeat update = %+v, want cpu 90 memory 70 online", update)
	}
}

func TestSessionOutputRelayAndHistory(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")
	agent := f.dialAgent(t, testAPIKey)

	sendJSON(t, agent, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)

	sendJSON(t, agent, `{"type":"session_started","session":{"id":"s1","pid":99,"processName":"bash","workdir":"/tmp","startedAt":"2026-08-29T10:00:00Z"}}`)
	awaitEvent(t, dashboard, protocol.TypeSessionStarted)

	// "hello\n" base64-encoded, as the agent wire format carries it.
	sendJSON(t, agent, `{"type":"session_output","sessionId":"s1","data":"aGVsbG8K"}`)

	event := awaitEvent(t, dashboard, protocol.TypeSessionOutput)
	var out protocol.SessionOutput
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		t.Fatalf("decode output payload: %v", err)
	}
	if out.SessionID != "s1" || string(out.Data) != "hello\n" {
		t.Errorf("output = %q on %q", out.Data, out.SessionID)
	}

	// A second dashboard backfills the same bytes from the ring buffer.
	late := f.dialDashboard(t, "u1")
	sendJSON(t, late, `{"type":"session_history","sessionId":"s1"}`)

	event = awaitEvent(t, late, protocol.TypeSessionOutput)
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		t.Fatalf("decode history payload: %v", err)
	}
	if string(out.Data) != "hello\n" {
		t.Errorf("history chunk = %q, want hello", out.Data)
	}
}

func TestDashboardInputReachesAgent(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")
	agent := f.dialAgent(t, testAPIKey)

	sendJSON(t, agent, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)
	sendJSON(t, agent, `{"type":"session_started","session":{"id":"s1","pid":99,"processName":"bash","workdir":"/tmp","startedAt":"2026-08-29T10:00:00Z"}}`)
	awaitEvent(t, dashboard, protocol.TypeSessionStarted)

	sendJSON(t, dashboard, `{"type":"session_input","sessionId":"s1","data":"bHMgLWxhCg=="}`)

	agent.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := agent.ReadMessage()
	if err != nil {
		t.Fatalf("agent never received the command: %v", err)
	}
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		t.Fatalf("bad command frame %s: %v", data, err)
	}
	if cmd.Type != protocol.TypeSessionInput {
		t.Fatalf("command type = %q, want session_input", cmd.Type)
	}
	if cmd.SessionInput.SessionID != "s1" || string(cmd.SessionInput.Data) != "ls -la\n" {
		t.Errorf("input = %q on %q", cmd.SessionInput.Data, cmd.SessionInput.SessionID)
	}
}

func TestForeignSessionCommandDropped(t *testing.T) {
	f := newRelayFixture(t)

	owner := f.dialDashboard(t, "u1")
	agent := f.dialAgent(t, testAPIKey)

	sendJSON(t, agent, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, owner, protocol.TypeMachineUpdated)
	sendJSON(t, agent, `{"type":"session_started","session":{"id":"s1","pid":99,"processName":"bash","workdir":"/tmp","startedAt":"2026-08-29T10:00:00Z"}}`)
	awaitEvent(t, owner, protocol.TypeSessionStarted)

	// Another user addresses u1's session. The command must never reach
	// the agent and the intruder gets no error back.
	intruder := f.dialDashboard(t, "u2")
	sendJSON(t, intruder, `{"type":"stop_session","sessionId":"s1","force":true}`)

	agent.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := agent.ReadMessage(); err == nil {
		t.Fatalf("agent received a foreign command: %s", data)
	}
}

func TestAgentDisconnectDemotesOnce(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")
	agent := f.dialAgent(t, testAPIKey)

	sendJSON(t, agent, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)

	agent.Close()

	update := machineFromEvent(t, awaitEvent(t, dashboard, protocol.TypeMachineUpdated))
	if update.ID != "m1" || update.Status != "offline" {
		t.Errorf("update = %+v, want m1 offline", update)
	}

	machine, _ := f.store.GetMachine(context.Background(), "m1")
	if machine.Status != domain.MachineStatusOffline {
		t.Errorf("machine status = %q, want offline", machine.Status)
	}
}

func TestForeignAgentCannotTouchSession(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")
	victim := f.dialAgent(t, testAPIKey)

	sendJSON(t, victim, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)
	sendJSON(t, victim, `{"type":"session_started","session":{"id":"s1","pid":99,"processName":"bash","workdir":"/tmp","startedAt":"2026-08-29T10:00:00Z"}}`)
	awaitEvent(t, dashboard, protocol.TypeSessionStarted)

	// A different tenant's agent, validly authenticated for its own
	// machine, claims u1's session.
	intruder := f.dialAgent(t, otherUserKey)
	sendJSON(t, intruder, `{"type":"register","machineId":"m2","os":"linux"}`)
	sendJSON(t, intruder, `{"type":"session_crashed","sessionId":"s1","error":"pwned"}`)
	sendJSON(t, intruder, `{"type":"session_stopped","sessionId":"s1","exitCode":1}`)
	sendJSON(t, intruder, `{"type":"session_output","sessionId":"s1","data":"cG9sbHV0ZWQ="}`)

	// No crash alert or transition may reach u1's dashboard.
	dashboard.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		_, data, err := dashboard.ReadMessage()
		if err != nil {
			break
		}
		event, decodeErr := protocol.DecodeEvent(data)
		if decodeErr != nil {
			t.Fatalf("bad event frame %s: %v", data, decodeErr)
		}
		switch event.Type {
		case protocol.TypeSessionCrashed, protocol.TypeSessionStopped, protocol.TypeAlertFired:
			t.Fatalf("foreign lifecycle frame reached the owner's dashboard: %s", data)
		}
	}

	session, err := f.store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != domain.SessionStatusRunning {
		t.Errorf("session status = %q, want running untouched", session.Status)
	}
	if session.ErrorText != "" {
		t.Errorf("session error text = %q, want empty", session.ErrorText)
	}

	chunks, err := f.adapter.Read(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("buffer read error = %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("foreign output reached the ring buffer: %q", chunks)
	}
}

func TestSupersededSocketStopsReceivingCommands(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")

	first := f.dialAgent(t, testAPIKey)
	sendJSON(t, first, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)

	second := f.dialAgent(t, testAPIKey)
	sendJSON(t, second, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)

	sendJSON(t, second, `{"type":"session_started","session":{"id":"s1","pid":99,"processName":"bash","workdir":"/tmp","startedAt":"2026-08-29T10:00:00Z"}}`)
	awaitEvent(t, dashboard, protocol.TypeSessionStarted)

	sendJSON(t, dashboard, `{"type":"session_input","sessionId":"s1","data":"cHdkCg=="}`)

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("current socket never received the command: %v", err)
	}
	cmd, err := protocol.DecodeCommand(data)
	if err != nil || cmd.Type != protocol.TypeSessionInput {
		t.Fatalf("current socket got %s (err %v)", data, err)
	}

	// The superseded socket's command subscription was cancelled on
	// replace; it must see nothing.
	first.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := first.ReadMessage(); err == nil {
		t.Fatalf("superseded socket received a command: %s", data)
	}
}

func TestReconnectSupersedesOldSocket(t *testing.T) {
	f := newRelayFixture(t)

	dashboard := f.dialDashboard(t, "u1")

	first := f.dialAgent(t, testAPIKey)
	sendJSON(t, first, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)

	second := f.dialAgent(t, testAPIKey)
	sendJSON(t, second, `{"type":"register","machineId":"m1","os":"linux"}`)
	awaitEvent(t, dashboard, protocol.TypeMachineUpdated)

	// The superseded socket closing must not demote the reconnected
	// machine.
	first.Close()
	time.Sleep(200 * time.Millisecond)

	machine, _ := f.store.GetMachine(context.Background(), "m1")
	if machine.Status != domain.MachineStatusOnline {
		t.Errorf("machine status = %q after stale close, want online", machine.Status)
	}
}
