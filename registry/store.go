package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/graflow/engine/flow/types"
)

// DescriptorStore persists flow-type descriptors. Put upserts by
// (App, FlowType, Version) and, when the descriptor carries IsLatest,
// demotes the previous latest in the same write. Find and FindLatest
// return types.ErrUnknownFlowType for absent descriptors.
type DescriptorStore interface {
	Put(ctx context.Context, desc *FlowTypeDescriptor) error
	Find(ctx context.Context, app, flowType, version string) (*FlowTypeDescriptor, error)
	FindLatest(ctx context.Context, app, flowType string) (*FlowTypeDescriptor, error)
	List(ctx context.Context, app string) ([]*FlowTypeDescriptor, error)
}

// MemoryDescriptorStore is an in-memory DescriptorStore.
type MemoryDescriptorStore struct {
	mu          sync.RWMutex
	descriptors map[string]*FlowTypeDescriptor
}

// NewMemoryDescriptorStore creates an empty in-memory descriptor store.
func NewMemoryDescriptorStore() *MemoryDescriptorStore {
	return &MemoryDescriptorStore{descriptors: make(map[string]*FlowTypeDescriptor)}
}

func descriptorKey(app, flowType, version string) string {
	return fmt.Sprintf("%s/%s/%s", app, flowType, version)
}

func (s *MemoryDescriptorStore) Put(ctx context.Context, desc *FlowTypeDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if desc.IsLatest {
		for _, other := range s.descriptors {
			if other.App == desc.App && other.FlowType == desc.FlowType && other.Version != desc.Version && other.IsLatest {
				other.IsLatest = false
				other.UpdatedAt = now
			}
		}
	}

	key := descriptorKey(desc.App, desc.FlowType, desc.Version)
	stored := desc.Clone()
	if prev, ok := s.descriptors[key]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.descriptors[key] = stored
	return nil
}

func (s *MemoryDescriptorStore) Find(ctx context.Context, app, flowType, version string) (*FlowTypeDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	desc, ok := s.descriptors[descriptorKey(app, flowType, version)]
	if !ok {
		return nil, types.ErrUnknownFlowType
	}
	return desc.Clone(), nil
}

func (s *MemoryDescriptorStore) FindLatest(ctx context.Context, app, flowType string) (*FlowTypeDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, desc := range s.descriptors {
		if desc.App == app && desc.FlowType == flowType && desc.IsLatest && desc.IsActive {
			return desc.Clone(), nil
		}
	}
	return nil, types.ErrUnknownFlowType
}

func (s *MemoryDescriptorStore) List(ctx context.Context, app string) ([]*FlowTypeDescriptor, error) {
	s.mu.RLock()
	var out []*FlowTypeDescriptor
	for _, desc := range s.descriptors {
		if app != "" && desc.App != app {
			continue
		}
		out = append(out, desc.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].App != out[j].App {
			return out[i].App < out[j].App
		}
		if out[i].FlowType != out[j].FlowType {
			return out[i].FlowType < out[j].FlowType
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
