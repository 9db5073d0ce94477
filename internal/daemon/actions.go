// SPDX-License-Identifier: MPL-2.0

package daemon

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/session"
)

const (
	// ActionHello negotiates the protocol version.
	ActionHello Action = "hello"
	// ActionLoad starts a session for a manifest, or returns the existing one.
	ActionLoad Action = "load"
	// ActionUnload cancels a session and releases its store entries.
	ActionUnload Action = "unload"
	// ActionRetry runs a finished session again.
	ActionRetry Action = "retry"
	// ActionQuery returns one session, or every session when no package is
	// named.
	ActionQuery Action = "query"

	// ProtocolVersion is the action protocol spoken by this daemon.
	ProtocolVersion = "1.0.0"
	// supportedProtocols are the client versions accepted by hello.
	supportedProtocols = "^1"

	// minIDPrefix is the shortest package id prefix accepted as an alias.
	minIDPrefix = 8
)

var (
	// ErrUnknownAction is returned for an action name this daemon does not
	// handle.
	ErrUnknownAction = errors.New("unknown action")
	// ErrBadRequest is returned for a request missing a required field.
	ErrBadRequest = errors.New("bad request")
	// ErrUnknownPackage is returned when no session matches a package.
	ErrUnknownPackage = errors.New("unknown package")
	// ErrAmbiguousPackage is returned when a package id prefix matches more
	// than one session.
	ErrAmbiguousPackage = errors.New("ambiguous package")
	// ErrProtocol is returned by hello for an unsupported client version.
	ErrProtocol = errors.New("unsupported protocol version")
)

type (
	// Action names a request.
	Action string

	// Request is an action submitted by a frontend.
	Request struct {
		ID     string `json:"id,omitempty"`
		Action Action `json:"action"`
		// Manifest is the manifest location for load.
		Manifest string `json:"manifest,omitempty"`
		// Package names a session for unload, retry and query: its manifest
		// location, or its package id or an unambiguous prefix of it.
		Package string `json:"package,omitempty"`
		// Protocol is the client protocol version for hello.
		Protocol string `json:"protocol,omitempty"`
	}

	// Reply answers a Request.
	Reply struct {
		ID       string         `json:"id,omitempty"`
		Action   Action         `json:"action,omitempty"`
		Protocol string         `json:"protocol,omitempty"`
		Session  *session.Info  `json:"session,omitempty"`
		Sessions []session.Info `json:"sessions,omitempty"`
		Error    string         `json:"error,omitempty"`
		Kind     string         `json:"kind,omitempty"`
	}
)

// Key normalizes a manifest location into a session key: local paths become
// absolute and fragments are dropped.
func Key(manifest string) string {
	manifest, _, _ = strings.Cut(manifest, "#")
	if !fetch.IsLocal(manifest) {
		return manifest
	}
	p, err := fetch.LocalPath(manifest)
	if err != nil {
		return manifest
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Err returns the error carried by the reply, or nil.
func (r Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownAction):
		return "action/unknown_action"
	case errors.Is(err, ErrBadRequest):
		return "action/bad_request"
	case errors.Is(err, ErrUnknownPackage):
		return "action/unknown_package"
	case errors.Is(err, ErrAmbiguousPackage):
		return "action/ambiguous_package"
	case errors.Is(err, ErrProtocol):
		return "action/protocol"
	case errors.Is(err, session.ErrNotFinished):
		return "action/busy"
	case errors.Is(err, ErrNotRunning):
		return "action/not_running"
	default:
		return session.Classify(err)
	}
}

func negotiate(client string) error {
	if client == "" {
		return nil
	}
	v, err := semver.NewVersion(client)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrProtocol, client, err)
	}
	c, err := semver.NewConstraint(supportedProtocols)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrProtocol, v, supportedProtocols)
	}
	return nil
}
