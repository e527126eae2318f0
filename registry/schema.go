package registry

import (
	"fmt"
)

// StateSchema validates an initial state document before a flow is
// created with it.
type StateSchema interface {
	Validate(state map[string]any) error
}

// FieldKind names the JSON value shape a field must hold.
type FieldKind string

const (
	KindAny    FieldKind = "any"
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
)

// FieldSpec constrains one state field.
type FieldSpec struct {
	Kind     FieldKind
	Required bool
}

// FieldSchema is a flat field-level StateSchema: required fields must be
// present and every present field must match its declared kind. Fields
// outside the schema pass untouched.
type FieldSchema struct {
	Fields map[string]FieldSpec
}

// NewFieldSchema builds a schema from field specs.
func NewFieldSchema(fields map[string]FieldSpec) *FieldSchema {
	return &FieldSchema{Fields: fields}
}

func (s *FieldSchema) Validate(state map[string]any) error {
	for name, spec := range s.Fields {
		value, ok := state[name]
		if !ok {
			if spec.Required {
				return fmt.Errorf("field %q is required", name)
			}
			continue
		}
		if !kindMatches(spec.Kind, value) {
			return fmt.Errorf("field %q is not a %s", name, spec.Kind)
		}
	}
	return nil
}

func kindMatches(kind FieldKind, value any) bool {
	switch kind {
	case KindAny, "":
		return true
	case KindString:
		_, ok := value.(string)
		return ok
	case KindNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindObject:
		_, ok := value.(map[string]any)
		return ok
	case KindArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}
