package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/graflow/engine/flow/store"
	"github.com/graflow/engine/flow/types"
	"github.com/graflow/engine/store/cache"
	"github.com/graflow/engine/store/longterm"
)

type fakeObserver struct {
	steps       int
	checkpoints int
}

func (o *fakeObserver) StepLatency(time.Duration) { o.steps++ }
func (o *fakeObserver) CheckpointWritten()        { o.checkpoints++ }

func newTestExecutor(t *testing.T, s *store.MemoryStore, maxSteps int, obs Observer) *Executor {
	t.Helper()
	c := cache.NewInMemoryCache(time.Minute)
	t.Cleanup(c.Stop)
	exec, err := NewExecutor(Config{
		Store:    s,
		Runtime:  NewRuntime(c, longterm.NewMemoryStore(), nil),
		MaxSteps: maxSteps,
		Observer: obs,
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return exec
}

func setupRunning(t *testing.T, s *store.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	flow := &types.Flow{
		ID:           id,
		App:          "demo",
		FlowType:     "support",
		GraphVersion: "v1",
		Status:       types.FlowStatusCreated,
		State:        map[string]any{"step": 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateFlow(ctx, flow); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	if _, err := s.UpdateFlowStatus(ctx, id, nil, types.FlowStatusRunning); err != nil {
		t.Fatalf("UpdateFlowStatus failed: %v", err)
	}
}

func TestDriveCompletes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	obs := &fakeObserver{}
	exec := newTestExecutor(t, s, 0, obs)

	// Two working steps, then done.
	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		n := state["step"].(int)
		next := map[string]any{"step": n + 1}
		if n+1 >= 3 {
			return Done(next)
		}
		return More(next, nil)
	})

	flow, err := exec.Drive(ctx, "f1", step, map[string]any{"step": 0}, types.FlowStatusCreated)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if flow.Status != types.FlowStatusCompleted {
		t.Errorf("Status = %v, want completed", flow.Status)
	}
	if got := flow.State["step"]; got != 3 {
		t.Errorf("State[step] = %v, want 3", got)
	}

	chain, err := s.ListCheckpoints(ctx, "f1")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("checkpoint count = %d, want 2 (one per More)", len(chain))
	}
	if chain[0].ParentID != "" || chain[1].ParentID != chain[0].ID {
		t.Error("checkpoints are not parent-linked in order")
	}
	if obs.steps != 3 || obs.checkpoints != 2 {
		t.Errorf("observer saw %d steps and %d checkpoints, want 3 and 2", obs.steps, obs.checkpoints)
	}
}

func TestDriveInterrupts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		return Interrupted(map[string]any{"step": 1}, map[string]any{"waiting_on": "human"})
	})

	flow, err := exec.Drive(ctx, "f1", step, map[string]any{"step": 0}, types.FlowStatusCreated)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if flow.Status != types.FlowStatusInterrupted {
		t.Errorf("Status = %v, want interrupted", flow.Status)
	}

	head, err := s.LatestCheckpoint(ctx, "f1", types.DefaultThreadID)
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if got := head.Pending["waiting_on"]; got != "human" {
		t.Errorf("Pending[waiting_on] = %v, want human", got)
	}
	if got := head.State["step"]; got != 1 {
		t.Errorf("head.State[step] = %v, want 1", got)
	}
}

func TestDriveLinksOntoExistingChain(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	// A previous drive left a checkpoint behind; new checkpoints must
	// link onto it, not start a fresh chain.
	prior := &types.Checkpoint{ID: "c-prior", FlowID: "f1", State: map[string]any{"step": 5}}
	if err := s.AppendCheckpoint(ctx, prior); err != nil {
		t.Fatalf("AppendCheckpoint failed: %v", err)
	}

	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		return Interrupted(state, nil)
	})
	if _, err := exec.Drive(ctx, "f1", step, map[string]any{"step": 5}, types.FlowStatusInterrupted); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}

	head, err := s.LatestCheckpoint(ctx, "f1", types.DefaultThreadID)
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if head.ParentID != "c-prior" {
		t.Errorf("head.ParentID = %s, want c-prior", head.ParentID)
	}
	if head.Seq != 2 {
		t.Errorf("head.Seq = %d, want 2", head.Seq)
	}
}

func TestDriveStepError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		return Errored(errors.New("upstream unavailable"))
	})

	flow, err := exec.Drive(ctx, "f1", step, map[string]any{"step": 0}, types.FlowStatusCreated)
	if err != nil {
		t.Fatalf("Drive returned error %v; step failures must be recorded, not returned", err)
	}
	if flow.Status != types.FlowStatusFailed {
		t.Errorf("Status = %v, want failed", flow.Status)
	}
	if flow.ErrorKind != "StepExecutionError" {
		t.Errorf("ErrorKind = %q, want StepExecutionError", flow.ErrorKind)
	}
	if flow.ErrorMessage != "upstream unavailable" {
		t.Errorf("ErrorMessage = %q, want upstream unavailable", flow.ErrorMessage)
	}

	if _, err := s.LatestCheckpoint(ctx, "f1", types.DefaultThreadID); !errors.Is(err, types.ErrCheckpointNotFound) {
		t.Errorf("failed step wrote a checkpoint: %v", err)
	}
}

func TestDriveRecoversPanic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		panic("nil graph node")
	})

	flow, err := exec.Drive(ctx, "f1", step, nil, types.FlowStatusCreated)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if flow.Status != types.FlowStatusFailed {
		t.Errorf("Status = %v, want failed", flow.Status)
	}
	if flow.ErrorKind != "StepPanic" {
		t.Errorf("ErrorKind = %q, want StepPanic", flow.ErrorKind)
	}
}

func TestDriveHaltsWhenCancelledUnderneath(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	calls := 0
	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		calls++
		// Cancel lands while the step is in flight.
		if _, err := s.UpdateFlowStatus(ctx, "f1", nil, types.FlowStatusCancelled); err != nil {
			t.Errorf("cancel failed: %v", err)
		}
		return More(map[string]any{"step": calls}, nil)
	})

	flow, err := exec.Drive(ctx, "f1", step, map[string]any{"step": 0}, types.FlowStatusCreated)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if flow.Status != types.FlowStatusCancelled {
		t.Errorf("Status = %v, want cancelled", flow.Status)
	}
	if calls != 1 {
		t.Errorf("step ran %d times after cancel, want 1", calls)
	}

	// The in-flight step's checkpoint still landed.
	head, err := s.LatestCheckpoint(ctx, "f1", types.DefaultThreadID)
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if got := head.State["step"]; got != 1 {
		t.Errorf("head.State[step] = %v, want 1", got)
	}
}

func TestDriveContextCancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	calls := 0
	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		calls++
		cancel()
		return More(map[string]any{"step": calls}, nil)
	})

	flow, err := exec.Drive(ctx, "f1", step, map[string]any{"step": 0}, types.FlowStatusCreated)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Drive = %v, want context.Canceled", err)
	}
	if flow.Status != types.FlowStatusInterrupted {
		t.Errorf("Status = %v, want interrupted (checkpoint exists)", flow.Status)
	}
	if calls != 1 {
		t.Errorf("step ran %d times after context cancel, want 1", calls)
	}

	head, err := s.LatestCheckpoint(ctx, "f1", types.DefaultThreadID)
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if got := head.State["step"]; got != 1 {
		t.Errorf("head.State[step] = %v, want 1", got)
	}
}

func TestDriveContextCancelledBeforeCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		t.Error("step ran under a cancelled context")
		return Done(state)
	})

	flow, err := exec.Drive(ctx, "f1", step, nil, types.FlowStatusCreated)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Drive = %v, want context.Canceled", err)
	}
	if flow.Status != types.FlowStatusCreated {
		t.Errorf("Status = %v, want created (no checkpoint to resume from)", flow.Status)
	}
}

func TestDriveStepLimit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 3, nil)

	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		return More(state, nil)
	})

	flow, err := exec.Drive(ctx, "f1", step, map[string]any{"step": 0}, types.FlowStatusCreated)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if flow.Status != types.FlowStatusFailed {
		t.Errorf("Status = %v, want failed", flow.Status)
	}
	if flow.ErrorKind != "RecursionLimitError" {
		t.Errorf("ErrorKind = %q, want RecursionLimitError", flow.ErrorKind)
	}

	chain, err := s.ListCheckpoints(ctx, "f1")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(chain) != 3 {
		t.Errorf("checkpoint count = %d, want 3", len(chain))
	}
}

func TestDriveRuntimeCapabilities(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	setupRunning(t, s, "f1")
	exec := newTestExecutor(t, s, 0, nil)

	step := StepFunc(func(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
		key := cache.Fingerprint("summarize", state)
		if err := rt.Cache().Set(ctx, key, []byte("cached"), 0); err != nil {
			return Errored(fmt.Errorf("cache set: %w", err))
		}
		if err := rt.Store().Put(ctx, []string{"flows", "f1"}, "note", map[string]any{"seen": true}, 0); err != nil {
			return Errored(fmt.Errorf("store put: %w", err))
		}
		rt.Logger().Debug("step capabilities exercised")
		return Done(state)
	})

	flow, err := exec.Drive(ctx, "f1", step, map[string]any{"q": "hello"}, types.FlowStatusCreated)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if flow.Status != types.FlowStatusCompleted {
		t.Errorf("Status = %v, want completed (capability errors: %s)", flow.Status, flow.ErrorMessage)
	}
}
