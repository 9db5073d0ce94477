// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/an-anime-team/wineyard/internal/resolver"
	"github.com/an-anime-team/wineyard/internal/runtime"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

// errLeaderCancelled reports a shared evaluation cancelled by the session
// that started it.
var errLeaderCancelled = errors.New("shared evaluation was cancelled")

type (
	// Evaluations shares package evaluations between sessions: a package
	// identity is evaluated at most once at a time, and successful results
	// are kept until forgotten or until one of their outputs leaves the
	// store.
	Evaluations struct {
		group   singleflight.Group
		present func(context.Context, runtime.Resource) bool

		mu   sync.Mutex
		done map[resolver.PackageID][]runtime.Resource
	}

	// EvaluationsOption configures Evaluations.
	EvaluationsOption func(*Evaluations)

	// Locator finds store entries.
	Locator interface {
		Lookup(ctx context.Context, addr manifest.HashValue, kind store.Kind) (store.Entry, error)
	}
)

// WithLocator checks stored outputs against the store index. Without it
// the output files are checked on disk.
func WithLocator(l Locator) EvaluationsOption {
	return func(e *Evaluations) {
		e.present = func(ctx context.Context, r runtime.Resource) bool {
			if r.Address.IsZero() {
				return onDisk(ctx, r)
			}
			_, err := l.Lookup(ctx, r.Address, store.KindBlob)
			return err == nil && onDisk(ctx, r)
		}
	}
}

// NewEvaluations creates an empty evaluation table.
func NewEvaluations(opts ...EvaluationsOption) *Evaluations {
	e := &Evaluations{
		present: onDisk,
		done:    make(map[resolver.PackageID][]runtime.Resource),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do returns the outputs of id, running fn unless an evaluation is done or
// in flight. A stored result whose outputs are gone is dropped and id is
// evaluated again. When the evaluation this call waited on was cancelled by
// its initiator, Do fails with errLeaderCancelled.
func (e *Evaluations) Do(ctx context.Context, id resolver.PackageID, fn func(context.Context) ([]runtime.Resource, error)) ([]runtime.Resource, error) {
	if outputs, ok := e.lookup(ctx, id); ok {
		return outputs, nil
	}

	ch := e.group.DoChan(string(id), func() (any, error) {
		// A flight that finished between lookup and DoChan already stored
		// the outputs.
		if outputs, ok := e.lookup(ctx, id); ok {
			return outputs, nil
		}
		outputs, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.done[id] = outputs
		e.mu.Unlock()
		return outputs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
				return nil, errLeaderCancelled
			}
			return nil, r.Err
		}
		return r.Val.([]runtime.Resource), nil
	}
}

// Forget drops the stored outputs of ids so the next Do evaluates again.
func (e *Evaluations) Forget(ids ...resolver.PackageID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.done, id)
	}
}

// Len returns the number of stored evaluations.
func (e *Evaluations) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.done)
}

func (e *Evaluations) lookup(ctx context.Context, id resolver.PackageID) ([]runtime.Resource, bool) {
	e.mu.Lock()
	outputs, ok := e.done[id]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}

	for _, out := range outputs {
		if !e.present(ctx, out) {
			e.mu.Lock()
			// Another flight may have replaced the entry meanwhile.
			if cur, ok := e.done[id]; ok && sameOutputs(cur, outputs) {
				delete(e.done, id)
			}
			e.mu.Unlock()
			return nil, false
		}
	}
	return outputs, true
}

// onDisk reports whether the files behind r still exist. Resources without
// files are always present.
func onDisk(_ context.Context, r runtime.Resource) bool {
	for _, p := range []string{r.Blob, r.Tree} {
		if p == "" {
			continue
		}
		if _, err := os.Lstat(p); err != nil {
			return false
		}
	}
	return true
}

func sameOutputs(a, b []runtime.Resource) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
