// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
)

const (
	// KindMalformed means the document is not a structurally valid manifest.
	KindMalformed ErrorKind = "malformed"
	// KindUnsupportedFormat means package.format is not FormatVersion.
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	// KindInvalidReference means a resource name or reference is invalid.
	KindInvalidReference ErrorKind = "invalid_reference"
)

var (
	// ErrMalformed is the sentinel for KindMalformed.
	ErrMalformed = errors.New("malformed manifest")
	// ErrUnsupportedFormat is the sentinel for KindUnsupportedFormat.
	ErrUnsupportedFormat = errors.New("unsupported manifest format")
	// ErrInvalidReference is the sentinel for KindInvalidReference.
	ErrInvalidReference = errors.New("invalid resource reference")
)

type (
	// ErrorKind classifies manifest errors. All kinds are permanent.
	ErrorKind string

	// ManifestError reports why a manifest was rejected.
	ManifestError struct {
		Kind ErrorKind
		// Field is the dotted path of the offending field, if known.
		Field string
		Err   error
	}
)

// Error implements the error interface.
func (e *ManifestError) Error() string {
	msg := sentinelFor(e.Kind).Error()
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ManifestError) Unwrap() []error {
	if e.Err == nil {
		return []error{sentinelFor(e.Kind)}
	}
	return []error{sentinelFor(e.Kind), e.Err}
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindUnsupportedFormat:
		return ErrUnsupportedFormat
	case KindInvalidReference:
		return ErrInvalidReference
	default:
		return ErrMalformed
	}
}

func malformed(field string, err error) *ManifestError {
	return &ManifestError{Kind: KindMalformed, Field: field, Err: err}
}

func invalidRef(field string, err error) *ManifestError {
	return &ManifestError{Kind: KindInvalidReference, Field: field, Err: err}
}
