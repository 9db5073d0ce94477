// SPDX-License-Identifier: MPL-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// StateCreated means Start was not called yet.
	StateCreated State = iota
	// StateStarting means Start is setting up the watcher and the action loop.
	StateStarting
	// StateRunning means actions are accepted.
	StateRunning
	// StateStopping means Stop is cancelling sessions and draining goroutines.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: start failed or a background component broke.
	StateFailed
)

var (
	// ErrInvalidState is returned when a State value is not a lifecycle state.
	ErrInvalidState = errors.New("invalid daemon state")
	// ErrNotRunning is returned for actions submitted outside StateRunning.
	ErrNotRunning = errors.New("daemon is not running")
)

type (
	// State is the lifecycle state of a Daemon. A daemon is single-use: once
	// stopped or failed, create a new one.
	State int32

	// InvalidStateError wraps ErrInvalidState.
	InvalidStateError struct {
		Value State
	}

	// lifecycle tracks the daemon state and its background goroutines.
	lifecycle struct {
		state atomic.Int32

		mu      sync.Mutex
		lastErr error

		ctx     context.Context
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		started chan struct{}
		errCh   chan error
	}
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid daemon state %d", e.Value)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Validate returns an InvalidStateError for values outside the lifecycle.
func (s State) Validate() error {
	if s < StateCreated || s > StateFailed {
		return &InvalidStateError{Value: s}
	}
	return nil
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

func newLifecycle() lifecycle {
	return lifecycle{
		started: make(chan struct{}),
		errCh:   make(chan error, 1),
	}
}

// State returns the current state.
func (l *lifecycle) State() State {
	return State(l.state.Load())
}

// Err delivers errors of background components such as the watcher and the
// metrics listener.
func (l *lifecycle) Err() <-chan error {
	return l.errCh
}

// LastError returns the error that failed the daemon, or nil.
func (l *lifecycle) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// WaitForReady blocks until the daemon runs or ctx is done.
func (l *lifecycle) WaitForReady(ctx context.Context) error {
	select {
	case <-l.started:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for daemon: %w", ctx.Err())
	}
}

func (l *lifecycle) toStarting(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("context cancelled before start: %w", err)
		l.toFailed(err)
		return err
	}
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start daemon in state %s", l.State())
	}
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

func (l *lifecycle) toRunning() {
	if l.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(l.started)
	}
}

func (l *lifecycle) toFailed(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()

	l.state.Store(int32(StateFailed))
	if l.cancel != nil {
		l.cancel()
	}
	l.report(err)
}

// toStopping reports whether the caller must perform the shutdown.
func (l *lifecycle) toStopping() bool {
	for {
		current := l.State()
		switch current {
		case StateCreated:
			if l.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateRunning:
			if l.state.CompareAndSwap(int32(current), int32(StateStopping)) {
				l.cancel()
				return true
			}
		default:
			return false
		}
	}
}

func (l *lifecycle) toStopped() {
	l.state.Store(int32(StateStopped))
}

// goroutine runs fn tracked by the shutdown wait group.
func (l *lifecycle) goroutine(fn func()) {
	l.wg.Go(fn)
}

// report sends err to Err without blocking; it is dropped when full.
func (l *lifecycle) report(err error) {
	select {
	case l.errCh <- err:
	default:
	}
}
