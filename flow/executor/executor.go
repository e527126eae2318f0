package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/graflow/engine/flow/store"
	"github.com/graflow/engine/flow/types"
)

// DefaultMaxSteps bounds a single drive; a step loop that never
// interrupts or completes is failed instead of spinning forever.
const DefaultMaxSteps = 1000

// Observer receives per-step measurements. flow.Metrics satisfies it.
type Observer interface {
	StepLatency(d time.Duration)
	CheckpointWritten()
}

// Config carries the executor's dependencies.
type Config struct {
	Store    store.ExecutionStore
	Runtime  *Runtime
	MaxSteps int
	Logger   *slog.Logger
	Observer Observer
}

// Executor drives step loops against the execution store. It assumes the
// caller has already won the compare-and-set into running; Drive only
// ever moves a flow out of that status.
type Executor struct {
	store    store.ExecutionStore
	runtime  *Runtime
	maxSteps int
	logger   *slog.Logger
	observer Observer
}

// NewExecutor creates an executor. Store and Runtime are required;
// MaxSteps defaults to DefaultMaxSteps and a nil Logger to
// slog.Default().
func NewExecutor(config Config) (*Executor, error) {
	if config.Store == nil {
		return nil, errors.New("executor: store is required")
	}
	if config.Runtime == nil {
		return nil, errors.New("executor: runtime is required")
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Executor{
		store:    config.Store,
		runtime:  config.Runtime,
		maxSteps: config.MaxSteps,
		logger:   config.Logger,
		observer: config.Observer,
	}, nil
}

// Drive runs the step loop for a flow that is already in running status.
// state is the loop's starting state; prevStatus is the status the flow
// held before the caller moved it to running, used to revert when the
// driving context is cancelled before anything was checkpointed.
//
// Drive returns the flow in its final status. Step failures are recorded
// on the flow and do not produce an error return; the error is non-nil
// only for context cancellation and persistence failures.
func (e *Executor) Drive(ctx context.Context, flowID string, step Step, state map[string]any, prevStatus types.FlowStatus) (*types.Flow, error) {
	parentID := ""
	head, err := e.store.LatestCheckpoint(ctx, flowID, types.DefaultThreadID)
	switch {
	case err == nil:
		parentID = head.ID
	case errors.Is(err, types.ErrCheckpointNotFound):
	default:
		return nil, types.NewPersistenceError("load checkpoint head", err)
	}
	hasCheckpoint := parentID != ""

	for stepCount := 0; ; stepCount++ {
		if ctx.Err() != nil {
			flow, revertErr := e.revert(ctx, flowID, hasCheckpoint, prevStatus)
			if revertErr != nil {
				return nil, revertErr
			}
			return flow, ctx.Err()
		}

		if stepCount >= e.maxSteps {
			stepErr := &types.StepError{
				Kind:    "RecursionLimitError",
				Message: fmt.Sprintf("no completion after %d steps", e.maxSteps),
			}
			e.logger.Warn("flow exceeded step limit", "flow_id", flowID, "max_steps", e.maxSteps)
			return e.commit(ctx, flowID, nil, types.FlowStatusFailed, nil, stepErr)
		}

		started := time.Now()
		result := e.invoke(ctx, step, state)
		if e.observer != nil {
			e.observer.StepLatency(time.Since(started))
		}

		switch result.kind {
		case kindMore, kindInterrupted:
			cp := &types.Checkpoint{
				ID:       uuid.NewString(),
				FlowID:   flowID,
				ThreadID: types.DefaultThreadID,
				ParentID: parentID,
				State:    result.state,
				Pending:  result.pending,
			}
			to := types.FlowStatusRunning
			if result.kind == kindInterrupted {
				to = types.FlowStatusInterrupted
			}

			flow, err := e.commit(ctx, flowID, cp, to, result.state, nil)
			if err != nil {
				return nil, err
			}
			hasCheckpoint = true
			if e.observer != nil {
				e.observer.CheckpointWritten()
			}
			e.logger.Debug("checkpoint committed",
				"flow_id", flowID, "checkpoint_id", cp.ID, "seq", cp.Seq, "status", flow.Status.String())

			// Anything but running means the loop is over: the step
			// interrupted, or the flow was cancelled underneath us.
			if flow.Status != types.FlowStatusRunning {
				return flow, nil
			}
			parentID = cp.ID
			state = result.state

		case kindDone:
			return e.commit(ctx, flowID, nil, types.FlowStatusCompleted, result.state, nil)

		case kindErrored:
			stepErr := &types.StepError{Kind: result.errKind, Message: result.err.Error()}
			e.logger.Warn("step failed", "flow_id", flowID, "kind", stepErr.Kind, "error", stepErr.Message)
			return e.commit(ctx, flowID, nil, types.FlowStatusFailed, nil, stepErr)

		default:
			return nil, fmt.Errorf("executor: unknown step result kind %d", result.kind)
		}
	}
}

// invoke runs one step, turning a panic into a failed result.
func (e *Executor) invoke(ctx context.Context, step Step, state map[string]any) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = StepResult{
				kind:    kindErrored,
				err:     fmt.Errorf("step panicked: %v", r),
				errKind: "StepPanic",
			}
		}
	}()
	return step.Invoke(ctx, state, e.runtime)
}

func (e *Executor) commit(ctx context.Context, flowID string, cp *types.Checkpoint, to types.FlowStatus, state map[string]any, stepErr *types.StepError) (*types.Flow, error) {
	flow, err := e.store.CommitStep(ctx, flowID, cp, to, state, stepErr)
	if err != nil {
		if errors.Is(err, types.ErrCheckpointConflict) || errors.Is(err, types.ErrFlowNotFound) {
			return nil, err
		}
		return nil, types.NewPersistenceError("commit step", err)
	}
	return flow, nil
}

// revert backs the flow out of running after the driving context was
// cancelled: to interrupted when a checkpoint exists to resume from,
// otherwise to the status the flow held before this drive.
func (e *Executor) revert(ctx context.Context, flowID string, hasCheckpoint bool, prevStatus types.FlowStatus) (*types.Flow, error) {
	target := prevStatus
	if hasCheckpoint {
		target = types.FlowStatusInterrupted
	}

	// The driving context is spent; the revert write must not be.
	rctx := context.WithoutCancel(ctx)

	flow, err := e.store.UpdateFlowStatus(rctx, flowID, []types.FlowStatus{types.FlowStatusRunning}, target)
	if err != nil {
		var conflict *store.StatusConflictError
		if errors.As(err, &conflict) {
			// Someone moved the flow already (a concurrent cancel);
			// leave their status in place.
			return e.store.GetFlow(rctx, flowID)
		}
		return nil, types.NewPersistenceError("revert flow status", err)
	}
	e.logger.Info("drive aborted by context", "flow_id", flowID, "status", flow.Status.String())
	return flow, nil
}
