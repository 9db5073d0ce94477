// SPDX-License-Identifier: MPL-2.0

package event

import (
	"errors"
	"fmt"
)

// ErrBackpressure is the sentinel wrapped by SubscriberError.
var ErrBackpressure = errors.New("subscriber too slow")

// SubscriberError reports a subscriber disconnected because its buffer was
// full. Events from Seq on were not delivered to it.
type SubscriberError struct {
	Subscriber uint64
	Seq        uint64
	Buffer     int
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %d disconnected: buffer of %d events full at event %d", e.Subscriber, e.Buffer, e.Seq)
}

// Unwrap returns ErrBackpressure for errors.Is() compatibility.
func (e *SubscriberError) Unwrap() error {
	return ErrBackpressure
}

// Kind returns the kind name used in diagnostics.
func (e *SubscriberError) Kind() string { return "backpressure" }
