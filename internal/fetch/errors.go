// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"errors"
	"fmt"
)

const (
	// KindNetwork is a transport failure. It is the only retryable kind.
	KindNetwork ErrorKind = iota + 1
	// KindNotFound means the resource does not exist at the URI.
	KindNotFound
)

var (
	// ErrNetwork is the sentinel for KindNetwork.
	ErrNetwork = errors.New("network failure")
	// ErrNotFound is the sentinel for KindNotFound.
	ErrNotFound = errors.New("resource not found")
	// ErrUnsupportedScheme is returned for URIs no fetcher handles.
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")
)

type (
	// ErrorKind classifies fetch failures.
	ErrorKind int

	// Error is returned by every Fetcher.
	Error struct {
		Kind ErrorKind
		URI  string
		Err  error
	}
)

// String returns the kind name used in events and diagnostics.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URI, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URI, e.Kind, e.Err)
}

// Unwrap returns the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	sentinel := ErrNetwork
	if e.Kind == KindNotFound {
		sentinel = ErrNotFound
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Retryable reports whether err is a transient fetch failure.
func Retryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindNetwork
}

func networkError(uri string, err error) *Error {
	return &Error{Kind: KindNetwork, URI: uri, Err: err}
}

func notFound(uri string, err error) *Error {
	return &Error{Kind: KindNotFound, URI: uri, Err: err}
}
