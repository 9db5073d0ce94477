// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// KindMissingOutput means a package input names an output the dependency
	// does not declare.
	KindMissingOutput ErrorKind = "missing_output"
	// KindCycle means a package depends on itself, directly or transitively.
	KindCycle ErrorKind = "cycle"
	// KindDependencyCancelled means a dependency's evaluation was cancelled.
	KindDependencyCancelled ErrorKind = "dependency_cancelled"
)

var (
	// ErrMissingOutput is the sentinel for KindMissingOutput.
	ErrMissingOutput = errors.New("missing output")
	// ErrCycle is the sentinel for KindCycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrDependencyCancelled is the sentinel for KindDependencyCancelled.
	ErrDependencyCancelled = errors.New("dependency cancelled")
)

type (
	// ErrorKind classifies resolution errors. All kinds are permanent.
	ErrorKind string

	// ResolutionError reports a graph that cannot be used. Path lists the
	// package locations leading to the problem, root first.
	ResolutionError struct {
		Kind ErrorKind
		Path []string
		// Output is the missing output name for KindMissingOutput.
		Output string
		Err    error
	}
)

func (e *ResolutionError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindMissingOutput:
		fmt.Fprintf(&b, "output %q is not declared by the dependency", e.Output)
	case KindCycle:
		b.WriteString("dependency cycle")
	case KindDependencyCancelled:
		b.WriteString("dependency evaluation was cancelled")
	default:
		b.WriteString("resolution failed")
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Path, " -> "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the kind sentinel and the cause.
func (e *ResolutionError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindMissingOutput:
		sentinel = ErrMissingOutput
	case KindCycle:
		sentinel = ErrCycle
	case KindDependencyCancelled:
		sentinel = ErrDependencyCancelled
	}
	errs := make([]error, 0, 2)
	if sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
