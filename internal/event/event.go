// SPDX-License-Identifier: MPL-2.0

// Package event carries daemon state changes to frontends. Events are
// published on a Bus and delivered to every subscriber in publication
// order. Publishing never blocks: a subscriber that cannot keep up is
// disconnected with a SubscriberError instead of missing events silently.
package event

import (
	"time"

	"github.com/google/uuid"
)

const (
	// PackageResolving is emitted when a session starts building the graph.
	PackageResolving Type = "package_resolving"
	// PackageAcquiring is emitted once the graph is complete and acyclic.
	PackageAcquiring Type = "package_acquiring"
	// PackageEvaluating is emitted once every resource is present.
	PackageEvaluating Type = "package_evaluating"
	// PackageReady is emitted when every module ran and every output is set.
	PackageReady Type = "package_ready"
	// PackageFailed is emitted when a session fails. Reason and Kind are set.
	PackageFailed Type = "package_failed"
	// PackageUnloaded is emitted when a package is unloaded.
	PackageUnloaded Type = "package_unloaded"
	// ResourceFetchProgress reports bytes read for a resource.
	ResourceFetchProgress Type = "resource_fetch_progress"
	// ModuleLog carries a log line written by a module.
	ModuleLog Type = "module_log"
)

type (
	// Type names an event variant.
	Type string

	// Event is a state change. Fields beyond the header are set per Type.
	Event struct {
		// Seq increases by one for every event published on a bus.
		Seq  uint64    `json:"seq"`
		ID   uuid.UUID `json:"id"`
		Type Type      `json:"type"`
		Time time.Time `json:"time"`
		// Session is the session the event belongs to.
		Session uuid.UUID `json:"session"`
		// Package is the package key: the manifest location it was loaded from.
		Package string `json:"package"`
		// PackageID is the resolved identity, once known.
		PackageID string `json:"package_id,omitempty"`

		// Reason and Kind describe a failure.
		Reason string `json:"reason,omitempty"`
		Kind   string `json:"kind,omitempty"`

		// URI, Bytes and Total describe fetch progress. Total is -1 when
		// unknown.
		URI   string `json:"uri,omitempty"`
		Bytes int64  `json:"bytes,omitempty"`
		Total int64  `json:"total,omitempty"`

		// Module and Line carry a module log line.
		Module string `json:"module,omitempty"`
		Line   string `json:"line,omitempty"`

		// Outputs lists output names and content addresses on PackageReady.
		Outputs map[string]string `json:"outputs,omitempty"`
	}

	// Emitter accepts events. Publish returns the event as stamped by the bus.
	Emitter interface {
		Publish(e Event) Event
	}
)

// Terminal reports whether the type ends a session run.
func (t Type) Terminal() bool {
	return t == PackageReady || t == PackageFailed
}
