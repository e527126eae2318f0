// Package flow drives checkpointed flow execution: creating flows from
// registered flow types, claiming them for an exclusive run, stepping
// them to completion or interruption, and the read surface over the
// flow records.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/graflow/engine/flow/executor"
	"github.com/graflow/engine/flow/store"
	"github.com/graflow/engine/flow/types"
	"github.com/graflow/engine/registry"
	"github.com/graflow/engine/store/cache"
	"github.com/graflow/engine/store/longterm"
)

// Config holds the service dependencies. Store and Registry are
// required; Cache and LongTerm default to in-memory backends.
type Config struct {
	Store    store.ExecutionStore
	Registry *registry.Registry
	Cache    cache.Cache
	LongTerm longterm.Store
	Logger   *slog.Logger
	Metrics  Metrics
	MaxSteps int
}

// Service exposes the flow lifecycle and its read surface.
type Service struct {
	store    store.ExecutionStore
	registry *registry.Registry
	executor *executor.Executor
	logger   *slog.Logger
	metrics  Metrics
}

// NewService creates a flow service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("flow: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("flow: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewInMemoryCache(0)
	}
	if cfg.LongTerm == nil {
		cfg.LongTerm = longterm.NewMemoryStore()
	}

	runtime := executor.NewRuntime(NewInstrumentedCache(cfg.Cache, cfg.Metrics), cfg.LongTerm, cfg.Logger)
	exec, err := executor.NewExecutor(executor.Config{
		Store:    cfg.Store,
		Runtime:  runtime,
		MaxSteps: cfg.MaxSteps,
		Logger:   cfg.Logger,
		Observer: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		executor: exec,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// CreateRequest names the flow type to instantiate and the initial
// state document. An empty Version selects the latest registered
// version.
type CreateRequest struct {
	App          string
	FlowType     string
	Version      string
	InitialState map[string]any
	Owner        string
}

// Create registers a new flow in created status without executing it.
// The flow pins the resolved descriptor version, so later runs use the
// graph it was created against even after a newer version registers.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Flow, error) {
	desc, err := s.registry.Resolve(ctx, req.App, req.FlowType, req.Version)
	if err != nil {
		return nil, err
	}

	if desc.StateSchemaRef != "" {
		schema, err := s.registry.Schema(desc.StateSchemaRef)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(req.InitialState); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidState, err)
		}
	}

	state := types.CloneState(req.InitialState)
	if state == nil {
		state = map[string]any{}
	}

	now := time.Now()
	flow := &types.Flow{
		ID:           uuid.NewString(),
		App:          req.App,
		FlowType:     req.FlowType,
		GraphVersion: desc.Version,
		Status:       types.FlowStatusCreated,
		State:        state,
		Owner:        req.Owner,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateFlow(ctx, flow); err != nil {
		return nil, types.NewPersistenceError("create flow", err)
	}

	s.metrics.FlowCreated()
	s.logger.Info("flow created",
		"flow_id", flow.ID, "app", flow.App, "flow_type", flow.FlowType, "version", flow.GraphVersion)
	return flow, nil
}

// Run claims the flow for execution and drives its step loop until it
// completes, interrupts, fails, or the context ends. The claim is a
// status compare-and-set, so the loser of a concurrent claim gets
// ErrAlreadyRunning and is never queued. A created flow starts from
// its initial state; an interrupted one from its latest checkpoint.
func (s *Service) Run(ctx context.Context, flowID string) (*types.Flow, error) {
	flow, err := s.claim(ctx, flowID, []types.FlowStatus{types.FlowStatusCreated, types.FlowStatusInterrupted})
	if err != nil {
		return nil, err
	}
	return s.drive(ctx, flow, nil, types.FlowStatusUnspecified)
}

// Resume continues an interrupted flow with the payload shallow-merged
// over the latest checkpoint's state, payload keys winning. Resuming a
// running flow returns ErrAlreadyRunning; any other status returns
// ErrInvalidTransition.
func (s *Service) Resume(ctx context.Context, flowID string, payload map[string]any) (*types.Flow, error) {
	flow, err := s.claim(ctx, flowID, []types.FlowStatus{types.FlowStatusInterrupted})
	if err != nil {
		return nil, err
	}
	return s.drive(ctx, flow, payload, types.FlowStatusInterrupted)
}

// claim moves the flow into running, mapping a lost compare-and-set to
// the lifecycle errors callers branch on.
func (s *Service) claim(ctx context.Context, flowID string, from []types.FlowStatus) (*types.Flow, error) {
	flow, err := s.store.UpdateFlowStatus(ctx, flowID, from, types.FlowStatusRunning)
	if err == nil {
		return flow, nil
	}

	var conflict *store.StatusConflictError
	switch {
	case errors.As(err, &conflict):
		if conflict.Current == types.FlowStatusRunning {
			return nil, types.ErrAlreadyRunning
		}
		return nil, types.ErrInvalidTransition
	case errors.Is(err, types.ErrFlowNotFound):
		return nil, err
	default:
		return nil, types.NewPersistenceError("claim flow", err)
	}
}

// drive resolves the claimed flow's graph and hands it to the executor.
// claimedFrom is the status the claim moved away from when the caller
// knows it; otherwise it is inferred from checkpoint existence, which
// the claim sets cannot tell apart.
func (s *Service) drive(ctx context.Context, flow *types.Flow, payload map[string]any, claimedFrom types.FlowStatus) (*types.Flow, error) {
	start := time.Now()
	s.metrics.RunStarted()
	status := "error"
	defer func() {
		s.metrics.RunCompleted(status, time.Since(start))
	}()

	prev := claimedFrom
	state := flow.State
	head, err := s.store.LatestCheckpoint(ctx, flow.ID, types.DefaultThreadID)
	switch {
	case err == nil:
		state = head.State
		if prev == types.FlowStatusUnspecified {
			prev = types.FlowStatusInterrupted
		}
	case errors.Is(err, types.ErrCheckpointNotFound):
		if prev == types.FlowStatusUnspecified {
			prev = types.FlowStatusCreated
		}
	default:
		if prev == types.FlowStatusUnspecified {
			prev = types.FlowStatusCreated
		}
		s.release(ctx, flow.ID, prev)
		return nil, types.NewPersistenceError("load checkpoint head", err)
	}

	if payload != nil {
		state = mergeState(state, payload)
	}

	desc, err := s.registry.Resolve(ctx, flow.App, flow.FlowType, flow.GraphVersion)
	if err != nil {
		s.release(ctx, flow.ID, prev)
		return nil, err
	}
	step, err := s.registry.Builder(desc.BuilderRef)
	if err != nil {
		s.release(ctx, flow.ID, prev)
		return nil, err
	}

	s.logger.Info("flow run started",
		"flow_id", flow.ID, "flow_type", flow.FlowType, "version", flow.GraphVersion, "from", prev.String())

	final, err := s.executor.Drive(ctx, flow.ID, step, state, prev)
	if final != nil {
		status = final.Status.String()
	}
	return final, err
}

// release undoes a claim that never reached the executor. The claim's
// context may already be spent, so the write runs without its
// cancellation.
func (s *Service) release(ctx context.Context, flowID string, to types.FlowStatus) {
	_, err := s.store.UpdateFlowStatus(context.WithoutCancel(ctx), flowID, []types.FlowStatus{types.FlowStatusRunning}, to)
	if err != nil {
		s.logger.Error("failed to release claimed flow",
			"flow_id", flowID, "status", to.String(), "error", err)
	}
}

// mergeState lays payload keys over a copy of base, payload winning on
// collision.
func mergeState(base, payload map[string]any) map[string]any {
	merged := types.CloneState(base)
	if merged == nil {
		merged = make(map[string]any, len(payload))
	}
	for k, v := range types.CloneState(payload) {
		merged[k] = v
	}
	return merged
}

// Cancel stops a flow that has not finished. Cancelling a flow in a
// terminal status returns ErrAlreadyTerminal.
func (s *Service) Cancel(ctx context.Context, flowID string) (*types.Flow, error) {
	from := []types.FlowStatus{types.FlowStatusCreated, types.FlowStatusRunning, types.FlowStatusInterrupted}
	flow, err := s.store.UpdateFlowStatus(ctx, flowID, from, types.FlowStatusCancelled)
	if err == nil {
		s.logger.Info("flow cancelled", "flow_id", flowID)
		return flow, nil
	}

	var conflict *store.StatusConflictError
	switch {
	case errors.As(err, &conflict):
		return nil, types.ErrAlreadyTerminal
	case errors.Is(err, types.ErrFlowNotFound):
		return nil, err
	default:
		return nil, types.NewPersistenceError("cancel flow", err)
	}
}

// SoftDelete retires a flow by forcing it to cancelled whatever its
// current status. It is idempotent, keeps the record and checkpoints,
// and drops the flow from default List results.
func (s *Service) SoftDelete(ctx context.Context, flowID string) error {
	_, err := s.store.UpdateFlowStatus(ctx, flowID, nil, types.FlowStatusCancelled)
	switch {
	case err == nil:
		s.logger.Info("flow soft-deleted", "flow_id", flowID)
		return nil
	case errors.Is(err, types.ErrFlowNotFound):
		return err
	default:
		return types.NewPersistenceError("soft delete flow", err)
	}
}

// Get returns the flow record.
func (s *Service) Get(ctx context.Context, flowID string) (*types.Flow, error) {
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, types.ErrFlowNotFound) {
			return nil, err
		}
		return nil, types.NewPersistenceError("get flow", err)
	}
	return flow, nil
}

// List returns flows matching the filter, newest first. The zero
// filter selects in-progress flows only.
func (s *Service) List(ctx context.Context, filter types.Filter) ([]*types.Flow, error) {
	flows, err := s.store.ListFlows(ctx, filter)
	if err != nil {
		return nil, types.NewPersistenceError("list flows", err)
	}
	return flows, nil
}

// Checkpoints returns the flow's full checkpoint history across all
// threads, ordered by write time.
func (s *Service) Checkpoints(ctx context.Context, flowID string) ([]*types.Checkpoint, error) {
	cps, err := s.store.ListCheckpoints(ctx, flowID)
	if err != nil {
		return nil, types.NewPersistenceError("list checkpoints", err)
	}
	return cps, nil
}

// Stats aggregates flow counts by status and flow type.
func (s *Service) Stats(ctx context.Context) (*types.Stats, error) {
	stats, err := s.store.FlowStats(ctx)
	if err != nil {
		return nil, types.NewPersistenceError("flow stats", err)
	}
	return stats, nil
}

// MostRecent returns the most recently resumed flow matching the
// filter, or types.ErrFlowNotFound when nothing matches.
func (s *Service) MostRecent(ctx context.Context, filter types.Filter) (*types.Flow, error) {
	flow, err := s.store.MostRecentFlow(ctx, filter)
	if err != nil {
		if errors.Is(err, types.ErrFlowNotFound) {
			return nil, err
		}
		return nil, types.NewPersistenceError("most recent flow", err)
	}
	return flow, nil
}
