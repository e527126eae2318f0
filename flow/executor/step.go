// Package executor drives the checkpointed step loop: invoke a step,
// commit its outcome, repeat until the step interrupts, completes, or
// fails. Exactly one checkpoint is committed per More or Interrupted
// result, and the loop stops cleanly when the flow is cancelled
// underneath it.
package executor

import (
	"context"
	"log/slog"

	"github.com/graflow/engine/store/cache"
	"github.com/graflow/engine/store/longterm"
)

// Step is one unit of graph execution. Invoke receives the current state
// and returns what to do next; it must treat state as its own copy and
// return the successor state inside the result.
type Step interface {
	Invoke(ctx context.Context, state map[string]any, rt *Runtime) StepResult
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(ctx context.Context, state map[string]any, rt *Runtime) StepResult

func (f StepFunc) Invoke(ctx context.Context, state map[string]any, rt *Runtime) StepResult {
	return f(ctx, state, rt)
}

// Runtime is the capability handle passed to every step: the node cache,
// the long-term store, and a logger. Steps never see the flow store.
type Runtime struct {
	cache  cache.Cache
	store  longterm.Store
	logger *slog.Logger
}

// NewRuntime bundles the step capabilities. A nil logger falls back to
// slog.Default().
func NewRuntime(c cache.Cache, s longterm.Store, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cache: c, store: s, logger: logger}
}

func (r *Runtime) Cache() cache.Cache { return r.cache }

func (r *Runtime) Store() longterm.Store { return r.store }

func (r *Runtime) Logger() *slog.Logger { return r.logger }

type resultKind int

const (
	kindMore resultKind = iota
	kindInterrupted
	kindDone
	kindErrored
)

// StepResult is the outcome of one Invoke. Construct it with More,
// Interrupted, Done, or Errored.
type StepResult struct {
	kind    resultKind
	state   map[string]any
	pending map[string]any
	err     error
	errKind string
}

// More checkpoints state and continues the loop with it.
func More(state, pending map[string]any) StepResult {
	return StepResult{kind: kindMore, state: state, pending: pending}
}

// Interrupted checkpoints state and parks the flow for a later Resume.
// pending carries whatever the step needs to pick up where it left off.
func Interrupted(state, pending map[string]any) StepResult {
	return StepResult{kind: kindInterrupted, state: state, pending: pending}
}

// Done completes the flow with state as its final form.
func Done(state map[string]any) StepResult {
	return StepResult{kind: kindDone, state: state}
}

// Errored fails the flow. The error is recorded on the flow record, not
// returned to the caller of Run.
func Errored(err error) StepResult {
	return StepResult{kind: kindErrored, err: err, errKind: "StepExecutionError"}
}
