package services

import (
	"context"
	"testing"
	"time"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/protocol"
)

func startedSession(t *testing.T, d *Directory, ownerID, machineID, sessionID string) {
	t.Helper()
	d.RecordStarted(context.Background(), ownerID, machineID, protocol.SessionInfo{
		ID:          sessionID,
		PID:         4242,
		ProcessName: "bash",
		Workdir:     "/srv/app",
		StartedAt:   time.Now(),
	})
}

func TestRecordStoppedOnce(t *testing.T) {
	sessions := newFakeSessionRepo()
	bus := newRecordingBus()
	directory := NewDirectory(sessions, newFakeMachineRepo(), bus)

	startedSession(t, directory, "u1", "m1", "s1")

	code := 0
	directory.RecordStopped(context.Background(), "u1", "s1", &code)
	// Replayed terminal write from a retrying agent.
	directory.RecordStopped(context.Background(), "u1", "s1", &code)

	session, err := sessions.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != domain.SessionStatusStopped {
		t.Errorf("status = %q, want stopped", session.Status)
	}
	if session.ExitCode == nil || *session.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", session.ExitCode)
	}

	var stopped int
	for _, e := range bus.published("u1") {
		if e.Type == protocol.TypeSessionStopped {
			stopped++
		}
	}
	if stopped != 1 {
		t.Errorf("session_stopped events = %d, want exactly 1", stopped)
	}
}

func TestRecordStoppedNullExitCode(t *testing.T) {
	sessions := newFakeSessionRepo()
	directory := NewDirectory(sessions, newFakeMachineRepo(), newRecordingBus())

	startedSession(t, directory, "u1", "m1", "s1")
	directory.RecordStopped(context.Background(), "u1", "s1", nil)

	session, _ := sessions.GetSession(context.Background(), "s1")
	if session.Status != domain.SessionStatusStopped {
		t.Errorf("status = %q, want stopped", session.Status)
	}
	if session.ExitCode != nil {
		t.Errorf("exit code = %v, want nil", session.ExitCode)
	}
}

func TestRecordCrashedFiresAlert(t *testing.T) {
	sessions := newFakeSessionRepo()
	bus := newRecordingBus()
	directory := NewDirectory(sessions, newFakeMachineRepo(), bus)

	startedSession(t, directory, "u1", "m1", "s1")
	directory.RecordCrashed(context.Background(), "u1", "s1", "signal: killed")
	directory.RecordCrashed(context.Background(), "u1", "s1", "signal: killed")

	session, _ := sessions.GetSession(context.Background(), "s1")
	if session.Status != domain.SessionStatusCrashed {
		t.Errorf("status = %q, want crashed", session.Status)
	}
	if session.ErrorText != "signal: killed" {
		t.Errorf("error text = %q", session.ErrorText)
	}

	var crashed, alerts int
	for _, e := range bus.published("u1") {
		switch e.Type {
		case protocol.TypeSessionCrashed:
			crashed++
		case protocol.TypeAlertFired:
			alerts++
		}
	}
	if crashed != 1 {
		t.Errorf("session_crashed events = %d, want exactly 1", crashed)
	}
	if alerts != 1 {
		t.Errorf("alert_fired events = %d, want exactly 1", alerts)
	}
}

func TestTerminalSessionCannotRestop(t *testing.T) {
	sessions := newFakeSessionRepo()
	bus := newRecordingBus()
	directory := NewDirectory(sessions, newFakeMachineRepo(), bus)

	startedSession(t, directory, "u1", "m1", "s1")
	directory.RecordCrashed(context.Background(), "u1", "s1", "oom")

	// A late stop after a crash must not rewrite the terminal state.
	code := 1
	directory.RecordStopped(context.Background(), "u1", "s1", &code)

	session, _ := sessions.GetSession(context.Background(), "s1")
	if session.Status != domain.SessionStatusCrashed {
		t.Errorf("status = %q, want crashed preserved", session.Status)
	}
	for _, e := range bus.published("u1") {
		if e.Type == protocol.TypeSessionStopped {
			t.Error("session_stopped published after crash")
		}
	}
}

func TestResolveOwner(t *testing.T) {
	sessions := newFakeSessionRepo()
	machines := newFakeMachineRepo()
	directory := NewDirectory(sessions, machines, newRecordingBus())

	registry := NewRegistry(machines, newFakeTelemetryCache(), newRecordingBus())
	registry.UpsertOnRegister(context.Background(), "u9", &protocol.Register{MachineID: "m1", OS: "linux"})
	startedSession(t, directory, "u9", "m1", "s1")

	machineID, ownerID, err := directory.ResolveOwner(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ResolveOwner() error = %v", err)
	}
	if machineID != "m1" || ownerID != "u9" {
		t.Errorf("resolved (%q, %q), want (m1, u9)", machineID, ownerID)
	}

	if _, _, err := directory.ResolveOwner(context.Background(), "missing"); err == nil {
		t.Error("ResolveOwner() on unknown session should fail")
	}
}
