package engine

import (
	"log/slog"

	"github.com/graflow/engine/policy"
)

// Options carries assembly overrides that do not come from the
// environment. The zero value is valid.
type Options struct {
	// Logger replaces the logger built from LOG_LEVEL and LOG_FORMAT.
	Logger *slog.Logger

	// Policies carries custom permission and throttle constructors. Nil
	// gets a registry with the built-ins only.
	Policies *policy.Registry

	// MaxSteps caps the steps one run may take before it is failed.
	// Zero uses the executor default.
	MaxSteps int
}
