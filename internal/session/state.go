// SPDX-License-Identifier: MPL-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/an-anime-team/wineyard/internal/event"
)

const (
	// StatePending is the state before Run and after Reset.
	StatePending State = iota
	// StateResolving means the dependency graph is being built.
	StateResolving
	// StateAcquiring means the resources of every package are being fetched.
	StateAcquiring
	// StateEvaluating means modules are running, dependencies first.
	StateEvaluating
	// StateReady is terminal: every module ran and every output is set.
	StateReady
	// StateFailed is terminal: the run failed; Failure tells why.
	StateFailed
)

// ErrInvalidState is returned when a State value is not a defined state.
var ErrInvalidState = errors.New("invalid state")

type (
	// State is the position of a session in its lifecycle.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	InvalidStateError struct {
		Value State
	}
)

// String returns the state name used in replies and logs.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateAcquiring:
		return "acquiring"
	case StateEvaluating:
		return "evaluating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid session state %d", e.Value)
}

// Unwrap returns ErrInvalidState for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Validate returns nil for defined states.
func (s State) Validate() error {
	if s < StatePending || s > StateFailed {
		return &InvalidStateError{Value: s}
	}
	return nil
}

// IsTerminal reports whether a run has ended in s.
func (s State) IsTerminal() bool {
	return s == StateReady || s == StateFailed
}

// event returns the event announcing entry into s. Pending has none.
func (s State) event() (event.Type, bool) {
	switch s {
	case StateResolving:
		return event.PackageResolving, true
	case StateAcquiring:
		return event.PackageAcquiring, true
	case StateEvaluating:
		return event.PackageEvaluating, true
	case StateReady:
		return event.PackageReady, true
	case StateFailed:
		return event.PackageFailed, true
	default:
		return "", false
	}
}

// canTransition reports whether from -> to is a legal transition.
func canTransition(from, to State) bool {
	switch {
	case to == StateFailed:
		return !from.IsTerminal()
	case to == StatePending:
		return from.IsTerminal()
	default:
		return to == from+1 && from != StateReady
	}
}
