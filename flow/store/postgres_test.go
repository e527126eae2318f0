package store

import (
	"strings"
	"testing"

	"github.com/graflow/engine/flow/types"
	"github.com/graflow/engine/internal/crypto"
)

func TestBuildFlowFilterDefault(t *testing.T) {
	where, args := buildFlowFilter(types.Filter{})

	if where != "WHERE status = ANY($1)" {
		t.Errorf("where = %q, want status clause only", where)
	}
	if len(args) != 1 {
		t.Fatalf("args = %d, want 1", len(args))
	}
	statuses, ok := args[0].([]string)
	if !ok {
		t.Fatalf("args[0] is %T, want []string", args[0])
	}
	want := []string{"created", "running", "interrupted"}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i, status := range want {
		if statuses[i] != status {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i], status)
		}
	}
}

func TestBuildFlowFilterFull(t *testing.T) {
	where, args := buildFlowFilter(types.Filter{
		App:      "demo",
		FlowType: "support",
		Owner:    "alice",
		StateEquals: map[string]string{
			"customer.tier": "gold",
			"step":          "3",
		},
	})

	for _, clause := range []string{
		"status = ANY($1)",
		"app = $2",
		"flow_type = $3",
		"owner_id = $4",
		"state #>> $5::text[] = $6",
		"state #>> $7::text[] = $8",
	} {
		if !strings.Contains(where, clause) {
			t.Errorf("where %q missing clause %q", where, clause)
		}
	}
	if len(args) != 8 {
		t.Fatalf("args = %d, want 8", len(args))
	}

	// Paths are sorted, so customer.tier binds before step.
	path, ok := args[4].([]string)
	if !ok || len(path) != 2 || path[0] != "customer" || path[1] != "tier" {
		t.Errorf("args[4] = %v, want [customer tier]", args[4])
	}
	if args[5] != "gold" {
		t.Errorf("args[5] = %v, want gold", args[5])
	}
	if args[7] != "3" {
		t.Errorf("args[7] = %v, want 3", args[7])
	}
}

func TestCheckpointPayloadPlaintext(t *testing.T) {
	s := NewPostgresStore(nil, nil)
	cp := &types.Checkpoint{State: map[string]any{"step": 3}, Pending: map[string]any{"ask": "user"}}

	payload, err := s.encodePayload(cp)
	if err != nil {
		t.Fatalf("encodePayload failed: %v", err)
	}
	if !strings.Contains(payload, `"step":3`) {
		t.Errorf("plaintext payload %q does not contain the state", payload)
	}

	var decoded types.Checkpoint
	if err := s.decodePayload(payload, &decoded); err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}
	if got := decoded.State["step"]; got != float64(3) {
		t.Errorf("State[step] = %v (%T), want 3", got, got)
	}
	if got := decoded.Pending["ask"]; got != "user" {
		t.Errorf("Pending[ask] = %v, want user", got)
	}
}

func TestCheckpointPayloadEncrypted(t *testing.T) {
	enc, err := crypto.NewEncryptor([]byte("a-sufficiently-long-passphrase"))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	s := NewPostgresStore(nil, enc)
	cp := &types.Checkpoint{State: map[string]any{"secret": "value"}}

	payload, err := s.encodePayload(cp)
	if err != nil {
		t.Fatalf("encodePayload failed: %v", err)
	}
	if strings.Contains(payload, "secret") || strings.Contains(payload, "value") {
		t.Errorf("encrypted payload %q leaks plaintext", payload)
	}

	var decoded types.Checkpoint
	if err := s.decodePayload(payload, &decoded); err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}
	if got := decoded.State["secret"]; got != "value" {
		t.Errorf("State[secret] = %v, want value", got)
	}

	// A store without the key cannot read the payload back.
	plain := NewPostgresStore(nil, nil)
	var garbled types.Checkpoint
	if err := plain.decodePayload(payload, &garbled); err == nil {
		t.Error("decodePayload without the key succeeded, want error")
	}
}
