// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"errors"
	"fmt"
)

const (
	// KindIncompatible means the package requires a newer runtime.
	KindIncompatible ErrorKind = "incompatible"
	// KindModuleFault means a module failed during evaluation.
	KindModuleFault ErrorKind = "module_fault"
)

var (
	// ErrIncompatible is the sentinel for KindIncompatible.
	ErrIncompatible = errors.New("incompatible runtime")
	// ErrModuleFault is the sentinel for KindModuleFault.
	ErrModuleFault = errors.New("module fault")

	// ErrUndeclaredOutput is returned to modules writing an output the
	// manifest does not declare.
	ErrUndeclaredOutput = errors.New("output is not declared by the package")
	// ErrUnknownInput is returned to modules reading an input the manifest
	// does not declare.
	ErrUnknownInput = errors.New("input is not declared by the package")
)

type (
	// ErrorKind classifies runtime errors.
	ErrorKind string

	// RuntimeError reports a package that cannot be evaluated or a module
	// that failed. A fault is confined to its package.
	RuntimeError struct {
		Kind    ErrorKind
		Package string
		// Module is empty for KindIncompatible.
		Module string
		// Required and Actual are set for KindIncompatible.
		Required uint32
		Actual   uint32
		Err      error
	}
)

func (e *RuntimeError) Error() string {
	switch e.Kind {
	case KindIncompatible:
		return fmt.Sprintf("package %s requires runtime version %d, this runtime is version %d", e.Package, e.Required, e.Actual)
	case KindModuleFault:
		return fmt.Sprintf("module %q of package %s failed: %v", e.Module, e.Package, e.Err)
	default:
		return fmt.Sprintf("runtime error in package %s: %v", e.Package, e.Err)
	}
}

// Unwrap returns the kind sentinel and the cause.
func (e *RuntimeError) Unwrap() []error {
	sentinel := ErrModuleFault
	if e.Kind == KindIncompatible {
		sentinel = ErrIncompatible
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}
