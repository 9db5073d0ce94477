// SPDX-License-Identifier: MPL-2.0

package acquire

import (
	"errors"
	"fmt"

	"github.com/an-anime-team/wineyard/pkg/manifest"
)

// ErrIntegrity is the sentinel wrapped by IntegrityError.
var ErrIntegrity = errors.New("integrity check failed")

// IntegrityError reports fetched content whose digest differs from the
// declared hash. The content is discarded and never enters the store.
type IntegrityError struct {
	URI      string
	Expected manifest.HashValue
	Actual   manifest.HashValue
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s\nExpected: %s\nGot:      %s", e.URI, e.Expected, e.Actual)
}

// Unwrap returns ErrIntegrity so callers can use errors.Is.
func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// Kind returns the kind name used in events.
func (e *IntegrityError) Kind() string { return "mismatch" }
