package types

import (
	"errors"
	"testing"
)

func TestFlowStatusRoundTrip(t *testing.T) {
	statuses := []FlowStatus{
		FlowStatusCreated, FlowStatusRunning, FlowStatusInterrupted,
		FlowStatusCompleted, FlowStatusFailed, FlowStatusCancelled,
	}
	for _, status := range statuses {
		parsed, err := ParseFlowStatus(status.String())
		if err != nil {
			t.Fatalf("ParseFlowStatus(%q) failed: %v", status.String(), err)
		}
		if parsed != status {
			t.Errorf("ParseFlowStatus(%q) = %v, want %v", status.String(), parsed, status)
		}
	}

	if _, err := ParseFlowStatus("paused"); err == nil {
		t.Error("ParseFlowStatus accepted an unknown status")
	}
	if got := FlowStatus(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[FlowStatus]bool{
		FlowStatusCreated:     false,
		FlowStatusRunning:     false,
		FlowStatusInterrupted: false,
		FlowStatusCompleted:   true,
		FlowStatusFailed:      true,
		FlowStatusCancelled:   true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestCloneStateIndependence(t *testing.T) {
	state := map[string]any{
		"user": map[string]any{"name": "alice"},
		"tags": []any{"a", "b"},
	}

	clone := CloneState(state)
	clone["user"].(map[string]any)["name"] = "mallory"
	clone["tags"].([]any)[0] = "z"

	if got := state["user"].(map[string]any)["name"]; got != "alice" {
		t.Errorf("nested map leaked through clone: name = %v", got)
	}
	if got := state["tags"].([]any)[0]; got != "a" {
		t.Errorf("slice leaked through clone: tags[0] = %v", got)
	}

	if CloneState(nil) != nil {
		t.Error("CloneState(nil) != nil")
	}
}

func TestFlowClone(t *testing.T) {
	var missing *Flow
	if missing.Clone() != nil {
		t.Error("nil Flow clone is not nil")
	}

	flow := &Flow{ID: "f1", State: map[string]any{"n": 1}}
	clone := flow.Clone()
	clone.State["n"] = 2
	if flow.State["n"] != 1 {
		t.Errorf("flow state mutated through clone: n = %v", flow.State["n"])
	}
}

func TestCheckpointClone(t *testing.T) {
	cp := &Checkpoint{
		ID:      "c1",
		State:   map[string]any{"n": 1},
		Pending: map[string]any{"waiting_on": "input"},
	}
	clone := cp.Clone()
	clone.State["n"] = 2
	clone.Pending["waiting_on"] = "other"

	if cp.State["n"] != 1 {
		t.Errorf("checkpoint state mutated through clone: n = %v", cp.State["n"])
	}
	if cp.Pending["waiting_on"] != "input" {
		t.Errorf("checkpoint pending mutated through clone: %v", cp.Pending["waiting_on"])
	}
}

func TestNewPersistenceError(t *testing.T) {
	if NewPersistenceError("op", nil) != nil {
		t.Error("wrapping nil produced an error")
	}

	cause := errors.New("connection reset")
	err := NewPersistenceError("create flow", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}

	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "create flow" {
		t.Fatalf("err = %v, want PersistenceError with op", err)
	}

	// Wrapping again must not stack a second layer.
	again := NewPersistenceError("outer", err)
	var outer *PersistenceError
	if !errors.As(again, &outer) || outer.Op != "create flow" {
		t.Errorf("double wrap changed op to %q", outer.Op)
	}
}
