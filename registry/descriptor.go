// Package registry maps (app, flow type, version) to runnable graph
// descriptors. Descriptors carry opaque references to builders, state
// schemas, and policies; the references are bound to Go constructors
// registered at process start and validated only when resolved.
package registry

import (
	"errors"
	"time"
)

var (
	ErrBuilderNotFound = errors.New("registry: builder reference not bound")
	ErrSchemaNotFound  = errors.New("registry: schema reference not bound")
)

// FlowTypeDescriptor describes one registered version of a flow type.
// At most one active descriptor per (App, FlowType) carries IsLatest.
type FlowTypeDescriptor struct {
	App         string
	FlowType    string
	Version     string
	IsLatest    bool
	IsActive    bool
	DisplayName string
	Description string

	// BuilderRef names the Step constructor for this version;
	// StateSchemaRef optionally names the initial-state schema. An
	// empty StateSchemaRef skips validation at create time.
	BuilderRef     string
	StateSchemaRef string

	// Policy references, resolved per request by the policy resolver.
	CrudPermissionRef   string
	ResumePermissionRef string
	CrudThrottleRef     string
	ResumeThrottleRef   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *FlowTypeDescriptor) Clone() *FlowTypeDescriptor {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

func (d *FlowTypeDescriptor) validate() error {
	switch {
	case d.App == "":
		return errors.New("registry: app is required")
	case d.FlowType == "":
		return errors.New("registry: flow type is required")
	case d.Version == "":
		return errors.New("registry: version is required")
	case d.BuilderRef == "":
		return errors.New("registry: builder reference is required")
	}
	return nil
}
