package state

import (
	"fmt"

	"github.com/mvidalgarcia/taskdock/internal/core"
)

// New creates a StateStore for the given backend ("json" or "sqlite").
func New(backend, path string) (core.StateStore, error) {
	switch backend {
	case "", "json":
		return NewJSONStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, core.ErrValidation("UNKNOWN_STATE_BACKEND",
			fmt.Sprintf("unknown state backend %q", backend))
	}
}
