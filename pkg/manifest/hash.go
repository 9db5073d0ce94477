// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	_ "crypto/sha256" // registers sha256 with go-digest
	_ "crypto/sha512" // registers sha384 and sha512 with go-digest
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// DefaultHashAlgorithm is used to address resources that declare no hash.
const DefaultHashAlgorithm = "sha256"

// ErrInvalidHash is the sentinel wrapped by InvalidHashError.
var ErrInvalidHash = errors.New("invalid hash")

var algorithmPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type (
	// HashValue is a declared digest in the canonical "<algorithm>:<hex>"
	// encoding. Which algorithms are usable is decided by the format registry.
	HashValue struct {
		Algorithm string
		Digest    string
	}

	// InvalidHashError is returned when a hash string cannot be parsed.
	InvalidHashError struct {
		Value  string
		Reason string
	}
)

// ParseHash parses "<algorithm>:<hex digest>". Digests are normalized to
// lowercase. The sha2 family is additionally checked for digest length.
func ParseHash(s string) (HashValue, error) {
	alg, enc, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return HashValue{}, &InvalidHashError{Value: s, Reason: `expected "<algorithm>:<digest>"`}
	}
	h := HashValue{Algorithm: alg, Digest: strings.ToLower(enc)}
	if err := h.Validate(); err != nil {
		return HashValue{}, err
	}
	return h, nil
}

// Validate checks the syntax of the hash value.
func (h HashValue) Validate() error {
	s := h.String()
	if !algorithmPattern.MatchString(h.Algorithm) {
		return &InvalidHashError{Value: s, Reason: "invalid algorithm name"}
	}
	if h.Digest == "" || len(h.Digest)%2 != 0 || h.Digest != strings.ToLower(h.Digest) {
		return &InvalidHashError{Value: s, Reason: "digest must be lowercase hex of even length"}
	}
	if _, err := hex.DecodeString(h.Digest); err != nil {
		return &InvalidHashError{Value: s, Reason: "digest must be lowercase hex of even length"}
	}
	if digest.Algorithm(h.Algorithm).Available() {
		if err := digest.Digest(s).Validate(); err != nil {
			return &InvalidHashError{Value: s, Reason: err.Error()}
		}
	}
	return nil
}

// String returns the canonical encoding.
func (h HashValue) String() string {
	return h.Algorithm + ":" + h.Digest
}

// IsZero reports whether the hash is unset.
func (h HashValue) IsZero() bool {
	return h.Algorithm == "" && h.Digest == ""
}

// Error implements the error interface.
func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("invalid hash %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidHash for errors.Is() compatibility.
func (e *InvalidHashError) Unwrap() error {
	return ErrInvalidHash
}
