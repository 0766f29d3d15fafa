package ws

import (
	"testing"
	"time"
)

func TestTableLastWriterWins(t *testing.T) {
	table := NewAgentTable()
	old := &agentConn{}
	replacement := &agentConn{}

	table.Replace("m1", "u1", old)
	table.Replace("m1", "u1", replacement)

	if table.Touch("m1", old) {
		t.Error("superseded connection can still touch the machine")
	}
	if !table.Touch("m1", replacement) {
		t.Error("current connection cannot touch the machine")
	}

	if table.RemoveIfCurrent("m1", old) {
		t.Error("superseded connection removed the entry")
	}
	if table.Count() != 1 {
		t.Fatalf("count = %d after stale remove, want 1", table.Count())
	}
	if !table.RemoveIfCurrent("m1", replacement) {
		t.Error("current connection could not remove its entry")
	}
	if table.Count() != 0 {
		t.Errorf("count = %d, want 0", table.Count())
	}
}

func TestTableRemoveIsSingleShot(t *testing.T) {
	table := NewAgentTable()
	conn := &agentConn{}
	table.Replace("m1", "u1", conn)

	if !table.RemoveIfCurrent("m1", conn) {
		t.Fatal("first remove returned false")
	}
	if table.RemoveIfCurrent("m1", conn) {
		t.Error("second remove also returned true")
	}
}

func TestTableSnapshot(t *testing.T) {
	table := NewAgentTable()
	before := time.Now()
	table.Replace("m1", "u1", &agentConn{})
	table.Replace("m2", "u2", &agentConn{})

	live := table.Snapshot()
	if len(live) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(live))
	}
	owners := map[string]string{}
	for _, agent := range live {
		owners[agent.MachineID] = agent.OwnerID
		if agent.LastHeartbeat.Before(before) {
			t.Errorf("heartbeat for %s predates registration", agent.MachineID)
		}
	}
	if owners["m1"] != "u1" || owners["m2"] != "u2" {
		t.Errorf("owners = %v", owners)
	}
}
