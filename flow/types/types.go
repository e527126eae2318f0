package types

import (
	"fmt"
	"time"
)

// DefaultThreadID is the execution lineage used when a caller does not fork.
const DefaultThreadID = "main"

type FlowStatus int32

const (
	FlowStatusUnspecified FlowStatus = iota
	FlowStatusCreated
	FlowStatusRunning
	FlowStatusInterrupted
	FlowStatusCompleted
	FlowStatusFailed
	FlowStatusCancelled
)

func (s FlowStatus) String() string {
	names := map[FlowStatus]string{
		FlowStatusUnspecified: "unspecified",
		FlowStatusCreated:     "created",
		FlowStatusRunning:     "running",
		FlowStatusInterrupted: "interrupted",
		FlowStatusCompleted:   "completed",
		FlowStatusFailed:      "failed",
		FlowStatusCancelled:   "cancelled",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return "unknown"
}

// ParseFlowStatus maps the persisted text form back to a status.
func ParseFlowStatus(s string) (FlowStatus, error) {
	statuses := map[string]FlowStatus{
		"created":     FlowStatusCreated,
		"running":     FlowStatusRunning,
		"interrupted": FlowStatusInterrupted,
		"completed":   FlowStatusCompleted,
		"failed":      FlowStatusFailed,
		"cancelled":   FlowStatusCancelled,
	}
	if status, ok := statuses[s]; ok {
		return status, nil
	}
	return FlowStatusUnspecified, fmt.Errorf("unknown flow status %q", s)
}

// IsTerminal reports whether no further execution transitions are allowed.
func (s FlowStatus) IsTerminal() bool {
	return s == FlowStatusCompleted || s == FlowStatusFailed || s == FlowStatusCancelled
}

type Flow struct {
	ID            string
	App           string
	FlowType      string
	GraphVersion  string
	Status        FlowStatus
	State         map[string]any
	Owner         string
	ErrorKind     string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastResumedAt time.Time
}

func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	clone := *f
	clone.State = CloneState(f.State)
	return &clone
}

// Checkpoint is an immutable snapshot of one execution step. Within a
// (FlowID, ThreadID) pair checkpoints form a single parent-linked chain;
// Seq increases by one per link and the head is the checkpoint with the
// highest Seq.
type Checkpoint struct {
	ID        string
	FlowID    string
	ThreadID  string
	Seq       int64
	ParentID  string
	State     map[string]any
	Pending   map[string]any
	WrittenAt time.Time
}

func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	clone := *c
	clone.State = CloneState(c.State)
	clone.Pending = CloneState(c.Pending)
	return &clone
}

// StepError captures a failed step. It is recorded on the flow record,
// not returned as a call error.
type StepError struct {
	Kind    string
	Message string
}

// Filter narrows List and MostRecent results. The zero value selects
// in-progress flows only (created, running, interrupted); setting
// Statuses overrides that default, and IncludeCancelled widens the
// default to cancelled flows as well. StateEquals compares dot-separated
// paths into the state mirror by their string form.
type Filter struct {
	App              string
	FlowType         string
	Owner            string
	Statuses         []FlowStatus
	IncludeCancelled bool
	StateEquals      map[string]string
	Limit            int
}

type Stats struct {
	Total    int64
	ByStatus map[string]int64
	ByType   map[string]int64
}

// CloneState deep-copies a state document so callers cannot alias
// persisted maps. Values outside the JSON object model are copied by
// reference.
func CloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	clone := make(map[string]any, len(state))
	for k, v := range state {
		clone[k] = cloneValue(v)
	}
	return clone
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneState(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
