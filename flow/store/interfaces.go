// Package store persists flows and their checkpoint chains. Two backends
// implement the same contracts: an in-memory store for tests and
// single-process deployments, and a PostgreSQL store for durable ones.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/graflow/engine/flow/types"
)

// StatusConflictError reports a compare-and-set transition that found the
// flow in a status outside the allowed set. Current carries the status
// observed so callers can decide how to classify the refusal.
type StatusConflictError struct {
	Current types.FlowStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("flow status conflict: current status is %s", e.Current)
}

// FlowStore persists flow records.
type FlowStore interface {
	// CreateFlow inserts a new flow. The ID must be unused.
	CreateFlow(ctx context.Context, flow *types.Flow) error

	// GetFlow returns the flow or types.ErrFlowNotFound.
	GetFlow(ctx context.Context, id string) (*types.Flow, error)

	// UpdateFlowStatus atomically moves the flow to the target status,
	// but only while its current status is in from; a nil from makes the
	// update unconditional. A transition into running stamps
	// LastResumedAt. Returns the updated flow, types.ErrFlowNotFound,
	// or a *StatusConflictError when the compare-and-set loses.
	UpdateFlowStatus(ctx context.Context, id string, from []types.FlowStatus, to types.FlowStatus) (*types.Flow, error)

	// ListFlows returns flows matching the filter, newest first.
	ListFlows(ctx context.Context, filter types.Filter) ([]*types.Flow, error)

	// MostRecentFlow returns the most recently resumed flow matching the
	// filter (LastResumedAt descending, CreatedAt as tiebreak), or
	// types.ErrFlowNotFound when nothing matches.
	MostRecentFlow(ctx context.Context, filter types.Filter) (*types.Flow, error)

	// FlowStats aggregates counts across all flows.
	FlowStats(ctx context.Context) (*types.Stats, error)
}

// CheckpointStore persists checkpoint chains.
type CheckpointStore interface {
	// AppendCheckpoint links cp onto the head of its thread's chain,
	// assigning Seq. cp.ParentID must name the current head, or be empty
	// for a thread's first checkpoint; otherwise
	// types.ErrCheckpointConflict.
	AppendCheckpoint(ctx context.Context, cp *types.Checkpoint) error

	// LatestCheckpoint returns the head of the thread's chain or
	// types.ErrCheckpointNotFound.
	LatestCheckpoint(ctx context.Context, flowID, threadID string) (*types.Checkpoint, error)

	// ListCheckpoints returns every checkpoint of the flow across all
	// threads, ordered by WrittenAt then Seq.
	ListCheckpoints(ctx context.Context, flowID string) ([]*types.Checkpoint, error)
}

// ExecutionStore combines flow and checkpoint persistence with the joint
// commit the executor drives the step loop through.
type ExecutionStore interface {
	FlowStore
	CheckpointStore

	// CommitStep records the outcome of one step as a single atomic
	// write: appends cp (when non-nil) and, provided the flow is still
	// running, moves it to the target status, replaces the state mirror
	// (when state is non-nil) and records stepErr. If the flow was
	// cancelled underneath the runner the checkpoint is still appended
	// but the cancelled status survives; the returned flow reports
	// whichever status is now current.
	CommitStep(ctx context.Context, flowID string, cp *types.Checkpoint, to types.FlowStatus, state map[string]any, stepErr *types.StepError) (*types.Flow, error)
}

// effectiveStatuses resolves the filter's status set: explicit statuses
// win, otherwise the in-progress default, with IncludeCancelled widening
// either set.
func effectiveStatuses(filter types.Filter) []types.FlowStatus {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []types.FlowStatus{
			types.FlowStatusCreated,
			types.FlowStatusRunning,
			types.FlowStatusInterrupted,
		}
	}
	if filter.IncludeCancelled && !statusIn(types.FlowStatusCancelled, statuses) {
		statuses = append(append([]types.FlowStatus(nil), statuses...), types.FlowStatusCancelled)
	}
	return statuses
}

func statusIn(status types.FlowStatus, set []types.FlowStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// statePathEquals walks a dot-separated path into the state mirror and
// compares the value found by its string form.
func statePathEquals(state map[string]any, path, want string) bool {
	var current any = state
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		current, ok = m[seg]
		if !ok {
			return false
		}
	}
	return fmt.Sprint(current) == want
}
