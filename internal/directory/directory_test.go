package directory

import (
	"encoding/json"
	"testing"
	"time"

	"Agent-Economy/internal/ledger"
)

func registerMsg(t *testing.T, p ledger.RegisterPayload, at int64) *ledger.Message {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &ledger.Message{Type: ledger.TypeRegister, Payload: raw, PublishedAt: at}
}

func heartbeatMsg(t *testing.T, p ledger.HeartbeatPayload, at int64) *ledger.Message {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &ledger.Message{Type: ledger.TypeHeartbeat, Payload: raw, PublishedAt: at}
}

func TestFindOrdersByLoadThenRegistration(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	d := New(WithClock(func() time.Time { return now }))

	d.Apply(registerMsg(t, ledger.RegisterPayload{AgentID: "w2", Kind: "worker", Skills: []string{"summarize"}}, 100))
	d.Apply(registerMsg(t, ledger.RegisterPayload{AgentID: "w1", Kind: "worker", Skills: []string{"summarize"}}, 200))
	d.Apply(heartbeatMsg(t, ledger.HeartbeatPayload{AgentID: "w2", Status: "idle", TasksCompleted: 3}, now.UnixMilli()))
	d.Apply(heartbeatMsg(t, ledger.HeartbeatPayload{AgentID: "w1", Status: "idle", TasksCompleted: 0}, now.UnixMilli()))

	found := d.Find("summarize", true)
	if len(found) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(found))
	}
	if found[0].ID != "w1" {
		t.Fatalf("负载较低的 worker 应排在最前, got %s", found[0].ID)
	}
}

func TestFindTieBreaksByRegistrationTime(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	d := New(WithClock(func() time.Time { return now }))

	d.Apply(registerMsg(t, ledger.RegisterPayload{AgentID: "late", Kind: "worker", Skills: []string{"review"}}, 500))
	d.Apply(registerMsg(t, ledger.RegisterPayload{AgentID: "early", Kind: "worker", Skills: []string{"review"}}, 100))
	d.Apply(heartbeatMsg(t, ledger.HeartbeatPayload{AgentID: "late", Status: "idle"}, now.UnixMilli()))
	d.Apply(heartbeatMsg(t, ledger.HeartbeatPayload{AgentID: "early", Status: "idle"}, now.UnixMilli()))

	found := d.Find("review", true)
	if len(found) != 2 || found[0].ID != "early" {
		t.Fatalf("expected earliest-registered first, got %+v", found)
	}
}

func TestFindExcludesBusyWorkers(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	d := New(WithClock(func() time.Time { return now }))

	d.Apply(registerMsg(t, ledger.RegisterPayload{AgentID: "w1", Kind: "worker", Skills: []string{"analyze"}}, 100))
	d.Apply(heartbeatMsg(t, ledger.HeartbeatPayload{AgentID: "w1", Status: "busy", CurrentTask: "t-1"}, now.UnixMilli()))

	if found := d.Find("analyze", true); len(found) != 0 {
		t.Fatalf("busy worker should be excluded, got %+v", found)
	}
	if found := d.Find("analyze", false); len(found) != 1 {
		t.Fatalf("busy worker should be visible when not excluded, got %+v", found)
	}
}

func TestStalenessIsComputedLazily(t *testing.T) {
	current := time.UnixMilli(0)
	d := New(
		WithClock(func() time.Time { return current }),
		WithStaleness(90*time.Second),
	)

	d.Apply(registerMsg(t, ledger.RegisterPayload{AgentID: "w1", Kind: "worker", Skills: []string{"summarize"}, Status: "idle"}, 0))

	current = time.UnixMilli(89_000)
	if found := d.Find("summarize", true); len(found) != 1 {
		t.Fatalf("worker within window should be idle, got %+v", found)
	}

	current = time.UnixMilli(91_000)
	if found := d.Find("summarize", true); len(found) != 0 {
		t.Fatal("worker past window should read as offline")
	}
	agent, ok := d.Get("w1")
	if !ok || agent.Status != StatusOffline {
		t.Fatalf("expected offline view, got %+v", agent)
	}

	// 过期判定不落盘：一次新的心跳即可恢复。
	d.Apply(heartbeatMsg(t, ledger.HeartbeatPayload{AgentID: "w1", Status: "idle"}, 91_000))
	if found := d.Find("summarize", true); len(found) != 1 {
		t.Fatal("heartbeat should revive the worker")
	}
}

func TestNonWorkersAreNeverMatched(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	d := New(WithClock(func() time.Time { return now }))
	d.Apply(registerMsg(t, ledger.RegisterPayload{AgentID: "b1", Kind: "broker", Skills: []string{"match"}}, 100))
	d.Apply(heartbeatMsg(t, ledger.HeartbeatPayload{AgentID: "b1", Status: "idle"}, now.UnixMilli()))

	if found := d.Find("match", true); len(found) != 0 {
		t.Fatalf("broker should not appear as a match candidate: %+v", found)
	}
}
