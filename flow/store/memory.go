package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/graflow/engine/flow/types"
)

// ErrFlowExists reports a CreateFlow with an ID that is already taken.
var ErrFlowExists = errors.New("flow already exists")

// MemoryStore is an in-memory ExecutionStore. All mutations run under a
// single mutex, which is what makes UpdateFlowStatus and CommitStep
// atomic check-and-set operations.
type MemoryStore struct {
	mu          sync.RWMutex
	flows       map[string]*types.Flow
	checkpoints map[string][]*types.Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:       make(map[string]*types.Flow),
		checkpoints: make(map[string][]*types.Checkpoint),
	}
}

func (s *MemoryStore) CreateFlow(ctx context.Context, flow *types.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flow.ID]; ok {
		return ErrFlowExists
	}
	s.flows[flow.ID] = flow.Clone()
	return nil
}

func (s *MemoryStore) GetFlow(ctx context.Context, id string) (*types.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, types.ErrFlowNotFound
	}
	return flow.Clone(), nil
}

func (s *MemoryStore) UpdateFlowStatus(ctx context.Context, id string, from []types.FlowStatus, to types.FlowStatus) (*types.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, types.ErrFlowNotFound
	}
	if from != nil && !statusIn(flow.Status, from) {
		return nil, &StatusConflictError{Current: flow.Status}
	}

	now := time.Now()
	flow.Status = to
	flow.UpdatedAt = now
	if to == types.FlowStatusRunning {
		flow.LastResumedAt = now
	}
	return flow.Clone(), nil
}

func (s *MemoryStore) ListFlows(ctx context.Context, filter types.Filter) ([]*types.Flow, error) {
	matched := s.matchFlows(filter)

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) MostRecentFlow(ctx context.Context, filter types.Filter) (*types.Flow, error) {
	matched := s.matchFlows(filter)
	if len(matched) == 0 {
		return nil, types.ErrFlowNotFound
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastResumedAt.Equal(matched[j].LastResumedAt) {
			return matched[i].LastResumedAt.After(matched[j].LastResumedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched[0], nil
}

func (s *MemoryStore) FlowStats(ctx context.Context) (*types.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &types.Stats{
		ByStatus: make(map[string]int64),
		ByType:   make(map[string]int64),
	}
	for _, flow := range s.flows {
		stats.Total++
		stats.ByStatus[flow.Status.String()]++
		stats.ByType[flow.App+"/"+flow.FlowType]++
	}
	return stats, nil
}

func (s *MemoryStore) AppendCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCheckpointLocked(cp)
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, flowID, threadID string) (*types.Checkpoint, error) {
	if threadID == "" {
		threadID = types.DefaultThreadID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	head := s.headLocked(flowID, threadID)
	if head == nil {
		return nil, types.ErrCheckpointNotFound
	}
	return head.Clone(), nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, flowID string) ([]*types.Checkpoint, error) {
	s.mu.RLock()
	chain := make([]*types.Checkpoint, 0, len(s.checkpoints[flowID]))
	for _, cp := range s.checkpoints[flowID] {
		chain = append(chain, cp.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(chain, func(i, j int) bool {
		if !chain[i].WrittenAt.Equal(chain[j].WrittenAt) {
			return chain[i].WrittenAt.Before(chain[j].WrittenAt)
		}
		return chain[i].Seq < chain[j].Seq
	})
	return chain, nil
}

func (s *MemoryStore) CommitStep(ctx context.Context, flowID string, cp *types.Checkpoint, to types.FlowStatus, state map[string]any, stepErr *types.StepError) (*types.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return nil, types.ErrFlowNotFound
	}
	if cp != nil {
		if err := s.appendCheckpointLocked(cp); err != nil {
			return nil, err
		}
	}

	// A flow cancelled underneath the runner keeps its status; only the
	// checkpoint above lands.
	if flow.Status == types.FlowStatusRunning {
		flow.Status = to
		if state != nil {
			flow.State = types.CloneState(state)
		}
		if stepErr != nil {
			flow.ErrorKind = stepErr.Kind
			flow.ErrorMessage = stepErr.Message
		}
		flow.UpdatedAt = time.Now()
	}
	return flow.Clone(), nil
}

// matchFlows clones every match while still under the lock, so callers
// can sort and slice the result without racing in-place status updates.
func (s *MemoryStore) matchFlows(filter types.Filter) []*types.Flow {
	statuses := effectiveStatuses(filter)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*types.Flow
	for _, flow := range s.flows {
		if !statusIn(flow.Status, statuses) {
			continue
		}
		if filter.App != "" && flow.App != filter.App {
			continue
		}
		if filter.FlowType != "" && flow.FlowType != filter.FlowType {
			continue
		}
		if filter.Owner != "" && flow.Owner != filter.Owner {
			continue
		}
		if !stateMatches(flow.State, filter.StateEquals) {
			continue
		}
		matched = append(matched, flow.Clone())
	}
	return matched
}

func stateMatches(state map[string]any, conditions map[string]string) bool {
	for path, want := range conditions {
		if !statePathEquals(state, path, want) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) headLocked(flowID, threadID string) *types.Checkpoint {
	var head *types.Checkpoint
	for _, cp := range s.checkpoints[flowID] {
		if cp.ThreadID != threadID {
			continue
		}
		if head == nil || cp.Seq > head.Seq {
			head = cp
		}
	}
	return head
}

func (s *MemoryStore) appendCheckpointLocked(cp *types.Checkpoint) error {
	if cp.ThreadID == "" {
		cp.ThreadID = types.DefaultThreadID
	}

	head := s.headLocked(cp.FlowID, cp.ThreadID)
	if head == nil {
		if cp.ParentID != "" {
			return types.ErrCheckpointConflict
		}
		cp.Seq = 1
	} else {
		if cp.ParentID != head.ID {
			return types.ErrCheckpointConflict
		}
		cp.Seq = head.Seq + 1
	}
	if cp.WrittenAt.IsZero() {
		cp.WrittenAt = time.Now()
	}

	s.checkpoints[cp.FlowID] = append(s.checkpoints[cp.FlowID], cp.Clone())
	return nil
}
