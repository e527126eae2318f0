package registry

import (
	"testing"
)

func TestFieldSchemaValidate(t *testing.T) {
	schema := NewFieldSchema(map[string]FieldSpec{
		"step":     {Kind: KindNumber, Required: true},
		"customer": {Kind: KindObject},
		"tags":     {Kind: KindArray},
		"note":     {Kind: KindString},
		"urgent":   {Kind: KindBool},
		"extra":    {Kind: KindAny},
	})

	tests := []struct {
		name    string
		state   map[string]any
		wantErr bool
	}{
		{
			name:  "full document",
			state: map[string]any{"step": 0, "customer": map[string]any{"tier": "gold"}, "tags": []any{"a"}, "note": "hi", "urgent": false, "extra": 42},
		},
		{
			name:  "required only",
			state: map[string]any{"step": float64(3)},
		},
		{
			name:  "undeclared fields pass",
			state: map[string]any{"step": 1, "scratch": "anything"},
		},
		{
			name:    "missing required",
			state:   map[string]any{"note": "hi"},
			wantErr: true,
		},
		{
			name:    "wrong kind",
			state:   map[string]any{"step": "three"},
			wantErr: true,
		},
		{
			name:    "object holds a string",
			state:   map[string]any{"step": 0, "customer": "acme"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.state)
			if tt.wantErr && err == nil {
				t.Error("Validate succeeded, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

func TestFieldSchemaNumberKinds(t *testing.T) {
	schema := NewFieldSchema(map[string]FieldSpec{"n": {Kind: KindNumber, Required: true}})
	for _, value := range []any{1, int64(2), float64(3.5)} {
		if err := schema.Validate(map[string]any{"n": value}); err != nil {
			t.Errorf("Validate(%T) failed: %v", value, err)
		}
	}
}
