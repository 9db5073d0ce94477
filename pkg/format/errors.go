// SPDX-License-Identifier: MPL-2.0

package format

import (
	"errors"
	"fmt"
)

const (
	// KindUnknown means no capability is registered for the tag.
	KindUnknown ErrorKind = "unknown"
	// KindAmbiguous means detection could not settle on a single capability.
	KindAmbiguous ErrorKind = "ambiguous"
)

var (
	// ErrUnknownFormat is the sentinel wrapped by *Error of kind KindUnknown.
	ErrUnknownFormat = errors.New("unknown format")
	// ErrAmbiguousFormat is the sentinel wrapped by *Error of kind KindAmbiguous.
	ErrAmbiguousFormat = errors.New("ambiguous format")
)

type (
	// ErrorKind classifies format errors.
	ErrorKind string

	// Error is returned when a format tag cannot be parsed, has no registered
	// capability, or cannot be detected. Format errors are permanent.
	Error struct {
		Kind ErrorKind
		// Tag is the offending tag text, if any.
		Tag string
		// URI is the resource being classified, if any.
		URI string
		// Detail adds context such as the candidate capabilities.
		Detail string
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s format", e.Kind)
	if e.Tag != "" {
		msg += fmt.Sprintf(" %q", e.Tag)
	}
	if e.URI != "" {
		msg += fmt.Sprintf(" for %s", e.URI)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the sentinel matching the error kind.
func (e *Error) Unwrap() error {
	if e.Kind == KindAmbiguous {
		return ErrAmbiguousFormat
	}
	return ErrUnknownFormat
}
