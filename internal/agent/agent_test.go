package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/szaher/appforge/internal/events"
)

func TestRecordLifecycle(t *testing.T) {
	m := NewManager("sess_1", nil, nil)

	m.RecordStart("engineer", "engineer#1")
	m.RecordCompletion("engineer", "engineer#1")
	m.RecordStart("engineer", "engineer#2")
	m.RecordFailure("engineer", "engineer#2", fmt.Errorf("boom"))

	states := m.Snapshot()
	if len(states) != 1 {
		t.Fatalf("Snapshot returned %d states, want 1", len(states))
	}

	s := states[0]
	if s.Started != 2 {
		t.Errorf("Started = %d, want 2", s.Started)
	}
	if s.Completed != 1 {
		t.Errorf("Completed = %d, want 1", s.Completed)
	}
	if s.Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.Failed)
	}
	if s.CurrentTask != "" {
		t.Errorf("CurrentTask = %q, want empty after failure", s.CurrentTask)
	}
	if s.Activity != "failed" {
		t.Errorf("Activity = %q, want %q", s.Activity, "failed")
	}
}

func TestSuccessRate(t *testing.T) {
	s := State{Completed: 3, Failed: 1}
	if got := s.SuccessRate(); got != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", got)
	}
	if got := (State{}).SuccessRate(); got != 0 {
		t.Errorf("SuccessRate with no tasks = %v, want 0", got)
	}
}

func TestSnapshotSortedByRole(t *testing.T) {
	m := NewManager("sess_1", nil, nil)
	m.Touch("engineer", "idle")
	m.Touch("architect", "idle")
	m.Touch("productManager", "idle")

	states := m.Snapshot()
	want := []string{"architect", "engineer", "productManager"}
	for i, role := range want {
		if states[i].Role != role {
			t.Errorf("states[%d].Role = %q, want %q", i, states[i].Role, role)
		}
	}
}

func TestMutationsEmitAgentUpdates(t *testing.T) {
	broker := events.NewBroker(nil)
	ch := broker.Subscribe("sess_1")

	m := NewManager("sess_1", broker, nil)
	m.RecordStart("architect", "architect#1")
	m.RecordCompletion("architect", "architect#1")

	timeout := time.After(2 * time.Second)
	var got []*events.Event
	for len(got) < 2 {
		select {
		case event := <-ch:
			got = append(got, event)
		case <-timeout:
			t.Fatalf("received %d events, want 2", len(got))
		}
	}

	if got[0].Type != events.AgentUpdate || got[0].Data["activity"] != "working" {
		t.Errorf("first event = %s/%v, want agent_update/working", got[0].Type, got[0].Data["activity"])
	}
	if got[1].Data["activity"] != "done" {
		t.Errorf("second event activity = %v, want done", got[1].Data["activity"])
	}
}

func TestStateCreatedLazily(t *testing.T) {
	m := NewManager("sess_1", nil, nil)
	if len(m.Snapshot()) != 0 {
		t.Fatal("new manager has states before any activity")
	}

	m.Touch("engineer", "thinking")
	states := m.Snapshot()
	if len(states) != 1 || states[0].CreatedAt.IsZero() {
		t.Errorf("state not initialized on first touch: %+v", states)
	}
}
