// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxResourceNameLength is the maximum length of a resource name in bytes.
const MaxResourceNameLength = 255

// ErrInvalidResourceName is the sentinel wrapped by InvalidResourceNameError.
var ErrInvalidResourceName = errors.New("invalid resource name")

type (
	// ResourceName is the key of an input or output. Names are compared in
	// Unicode NFC form.
	ResourceName string

	// InvalidResourceNameError is returned when a ResourceName fails validation.
	// It wraps ErrInvalidResourceName for errors.Is() compatibility.
	InvalidResourceNameError struct {
		Value  ResourceName
		Reason string
	}
)

// NewResourceName normalizes s to NFC and validates it.
func NewResourceName(s string) (ResourceName, error) {
	n := ResourceName(norm.NFC.String(s))
	if err := n.Validate(); err != nil {
		return "", err
	}
	return n, nil
}

// String returns the name as a plain string.
func (n ResourceName) String() string {
	return string(n)
}

// Validate returns nil if the name is usable as a table key and as a sandbox
// identifier.
func (n ResourceName) Validate() error {
	s := string(n)
	switch {
	case s == "":
		return &InvalidResourceNameError{Value: n, Reason: "empty"}
	case len(s) > MaxResourceNameLength:
		return &InvalidResourceNameError{Value: n, Reason: fmt.Sprintf("longer than %d bytes", MaxResourceNameLength)}
	case strings.TrimSpace(s) != s:
		return &InvalidResourceNameError{Value: n, Reason: "leading or trailing whitespace"}
	case !norm.NFC.IsNormalString(s):
		return &InvalidResourceNameError{Value: n, Reason: "not in NFC form"}
	}
	for _, r := range s {
		if r == unicode.ReplacementChar || unicode.IsControl(r) || r == '"' || r == '\\' {
			return &InvalidResourceNameError{Value: n, Reason: fmt.Sprintf("forbidden character %q", r)}
		}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidResourceNameError) Error() string {
	return fmt.Sprintf("invalid resource name %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidResourceName for errors.Is() compatibility.
func (e *InvalidResourceNameError) Unwrap() error {
	return ErrInvalidResourceName
}
