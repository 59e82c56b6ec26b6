package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput marks malformed caller input. The failed call has no side effect.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition marks an operation attempted in an incompatible state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStageGated marks an advance refused because mandatory evidence is not approved.
	ErrStageGated = errors.New("stage gated")
)

// InvalidInput wraps ErrInvalidInput with a formatted message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// InvalidTransition wraps ErrInvalidTransition with a formatted message.
func InvalidTransition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// GateError reports why an entity could not advance out of Stage.
type GateError struct {
	Stage    Stage
	Missing  []Requirement
	Terminal bool
}

func (e *GateError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("stage gated: %s is the terminal stage", e.Stage)
	}
	return fmt.Sprintf("stage gated: %s missing approved evidence [%s]", e.Stage, strings.Join(e.MissingIDs(), ", "))
}

// Is matches ErrStageGated always, and ErrInvalidTransition for terminal-stage attempts.
func (e *GateError) Is(target error) bool {
	if target == ErrStageGated {
		return true
	}
	return e.Terminal && target == ErrInvalidTransition
}

// MissingIDs lists the requirement IDs still lacking approval.
func (e *GateError) MissingIDs() []string {
	ids := make([]string, 0, len(e.Missing))
	for _, r := range e.Missing {
		ids = append(ids, r.ID)
	}
	return ids
}
