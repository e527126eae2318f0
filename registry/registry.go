package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/graflow/engine/flow/executor"
	"github.com/graflow/engine/flow/types"
)

// VersionLatest selects the latest active descriptor in Resolve; an
// empty version means the same thing.
const VersionLatest = "latest"

// Registry resolves flow types to descriptors and binds their builder
// and schema references to constructors registered at process start.
type Registry struct {
	store  DescriptorStore
	logger *slog.Logger

	mu       sync.RWMutex
	builders map[string]func() executor.Step
	schemas  map[string]func() StateSchema

	// Schemas are stateless validators, so one instance per reference
	// is constructed on first use and reused for the process lifetime.
	schemaMu    sync.RWMutex
	schemaCache map[string]StateSchema
}

// NewRegistry creates a registry over the given descriptor store. A nil
// logger falls back to slog.Default().
func NewRegistry(store DescriptorStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       store,
		logger:      logger,
		builders:    make(map[string]func() executor.Step),
		schemas:     make(map[string]func() StateSchema),
		schemaCache: make(map[string]StateSchema),
	}
}

// RegisterBuilder binds a builder reference to a Step constructor. The
// constructor runs once per drive, so steps may keep per-run state.
func (r *Registry) RegisterBuilder(name string, ctor func() executor.Step) {
	r.mu.Lock()
	r.builders[name] = ctor
	r.mu.Unlock()
}

// RegisterSchema binds a schema reference to a StateSchema constructor.
func (r *Registry) RegisterSchema(name string, ctor func() StateSchema) {
	r.mu.Lock()
	r.schemas[name] = ctor
	r.mu.Unlock()
}

// Register upserts a descriptor as the new latest version of its flow
// type, demoting the previous latest in the same store write.
func (r *Registry) Register(ctx context.Context, desc *FlowTypeDescriptor) error {
	if err := desc.validate(); err != nil {
		return err
	}

	stored := desc.Clone()
	stored.IsLatest = true
	stored.IsActive = true
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	if err := r.store.Put(ctx, stored); err != nil {
		return err
	}
	r.logger.Info("flow type registered",
		"app", stored.App, "flow_type", stored.FlowType, "version", stored.Version)
	return nil
}

// Deactivate marks one version inactive so it no longer resolves. The
// descriptor and its flows remain in place.
func (r *Registry) Deactivate(ctx context.Context, app, flowType, version string) error {
	desc, err := r.store.Find(ctx, app, flowType, version)
	if err != nil {
		return err
	}
	desc.IsActive = false
	desc.IsLatest = false
	desc.UpdatedAt = time.Now()
	return r.store.Put(ctx, desc)
}

// Resolve returns the descriptor for (app, flowType, version). An empty
// version or VersionLatest selects the latest active descriptor; an
// explicit version resolves only while active. Absent or inactive
// descriptors surface types.ErrUnknownFlowType from the store or here.
func (r *Registry) Resolve(ctx context.Context, app, flowType, version string) (*FlowTypeDescriptor, error) {
	if version == "" || version == VersionLatest {
		return r.store.FindLatest(ctx, app, flowType)
	}

	desc, err := r.store.Find(ctx, app, flowType, version)
	if err != nil {
		return nil, err
	}
	if !desc.IsActive {
		return nil, types.ErrUnknownFlowType
	}
	return desc, nil
}

// List returns the registered descriptors, optionally narrowed to one
// app.
func (r *Registry) List(ctx context.Context, app string) ([]*FlowTypeDescriptor, error) {
	return r.store.List(ctx, app)
}

// Builder constructs a fresh Step for the reference, or
// ErrBuilderNotFound.
func (r *Registry) Builder(ref string) (executor.Step, error) {
	r.mu.RLock()
	ctor, ok := r.builders[ref]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrBuilderNotFound
	}
	return ctor(), nil
}

// Schema returns the StateSchema for the reference, constructing it on
// first use, or ErrSchemaNotFound.
func (r *Registry) Schema(ref string) (StateSchema, error) {
	r.schemaMu.RLock()
	schema, ok := r.schemaCache[ref]
	r.schemaMu.RUnlock()

	if ok {
		return schema, nil
	}

	r.mu.RLock()
	ctor, bound := r.schemas[ref]
	r.mu.RUnlock()
	if !bound {
		return nil, ErrSchemaNotFound
	}

	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	if schema, ok = r.schemaCache[ref]; ok {
		return schema, nil
	}
	schema = ctor()
	r.schemaCache[ref] = schema
	return schema, nil
}
