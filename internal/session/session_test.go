// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/codec"
	"github.com/an-anime-team/wineyard/internal/event"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/logging"
	"github.com/an-anime-team/wineyard/internal/resolver"
	"github.com/an-anime-team/wineyard/internal/runtime"
	"github.com/an-anime-team/wineyard/internal/runtime/shell"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/internal/testutil"
)

const helloSHA256 = "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type harness struct {
	deps  Deps
	store *store.Store
	bus   *event.Bus
	sub   *event.Subscription
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	quiet := logging.Discard()
	reg := codec.NewRegistry()
	reg.RegisterEvaluator(shell.New(runtime.Version))

	a := acquire.New(s, fetch.NewMux(), reg, acquire.WithLogger(quiet))
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	return &harness{
		deps: Deps{
			Resolver:    resolver.New(a, reg, resolver.WithLogger(quiet)),
			Acquirer:    a,
			Runtime:     runtime.New(runtime.DefaultCapabilities(), reg, s, runtime.WithLogger(quiet)),
			Store:       s,
			Evaluations: NewEvaluations(),
			Emitter:     bus,
			Logger:      quiet,
		},
		store: s,
		bus:   bus,
		sub:   bus.Subscribe(event.DefaultBuffer),
		dir:   t.TempDir(),
	}
}

func (h *harness) write(t *testing.T, files map[string]string) {
	t.Helper()

	testutil.WriteFiles(t, h.dir, files)
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, filepath.FromSlash(name))
}

// drain returns the events published so far.
func (h *harness) drain() []event.Event {
	var out []event.Event
	for {
		select {
		case e := <-h.sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func lifecycle(events []event.Event) []event.Type {
	var out []event.Type
	for _, e := range events {
		if e.Type != event.ModuleLog {
			out = append(out, e.Type)
		}
	}
	return out
}

const helloPackage = `
[package]
format = 1

[inputs]
"build.sh" = "build.sh"

[outputs."a.txt"]
uri = "a.txt"
hash = "` + helloSHA256 + `"
`

func TestRun_Ready(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{
		"pkg/package.toml": helloPackage,
		"pkg/build.sh":     "log building\nprintf hello | write_output a.txt\n",
	})

	s := New(h.path("pkg/package.toml"), h.deps)
	if err := s.Run(t.Context()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("State() = %s", s.State())
	}

	events := h.drain()
	want := []event.Type{event.PackageResolving, event.PackageAcquiring, event.PackageEvaluating, event.PackageReady}
	if got := lifecycle(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	ready := events[len(events)-1]
	if ready.Outputs["a.txt"] != helloSHA256 {
		t.Errorf("ready outputs = %v", ready.Outputs)
	}
	if ready.Session != s.ID() || ready.PackageID == "" {
		t.Errorf("ready event = %+v", ready)
	}

	var logged bool
	for _, e := range events {
		if e.Type == event.ModuleLog && e.Module == "build.sh" && e.Line == "building" {
			logged = true
		}
	}
	if !logged {
		t.Error("module log line was not published")
	}

	out := s.Outputs()
	if len(out) != 1 || out[0].Address.String() != helloSHA256 {
		t.Fatalf("Outputs() = %+v", out)
	}
	if h.store.Refs(out[0].Address, store.KindBlob) == 0 {
		t.Error("outputs should be retained for the session")
	}

	info := s.Info()
	if info.State != StateReady || info.Packages != 1 || info.Outputs["a.txt"] != helloSHA256 {
		t.Errorf("Info() = %+v", info)
	}

	if err := s.Run(t.Context()); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Run() error = %v, want ErrNotPending", err)
	}
}

func TestRun_WrittenOutputMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{
		"pkg/package.toml": helloPackage,
		"pkg/build.sh":     "printf world | write_output a.txt\n",
	})

	s := New(h.path("pkg/package.toml"), h.deps)
	err := s.Run(t.Context())
	if !errors.Is(err, acquire.ErrIntegrity) {
		t.Fatalf("Run() error = %v, want ErrIntegrity", err)
	}

	events := h.drain()
	last := events[len(events)-1]
	if last.Type != event.PackageFailed || last.Kind != "integrity/mismatch" || last.Reason == "" {
		t.Errorf("last event = %+v", last)
	}
	if slices.Contains(lifecycle(events), event.PackageReady) {
		t.Error("a failed session must not report ready")
	}
	if s.Info().Kind != "integrity/mismatch" {
		t.Errorf("Info().Kind = %q", s.Info().Kind)
	}
}

func TestRun_IncompatibleRuntime(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{
		"pkg/package.toml": "[package]\nformat = 1\n[runtime]\nminimal_version = 99\n[inputs]\n\"build.sh\" = \"build.sh\"\n",
		"pkg/build.sh":     "log never\n",
	})

	s := New(h.path("pkg/package.toml"), h.deps)
	if err := s.Run(t.Context()); !errors.Is(err, runtime.ErrIncompatible) {
		t.Fatalf("Run() error = %v, want ErrIncompatible", err)
	}

	events := h.drain()
	want := []event.Type{event.PackageResolving, event.PackageFailed}
	if got := lifecycle(events); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if events[len(events)-1].Kind != "runtime/incompatible" {
		t.Errorf("kind = %q", events[len(events)-1].Kind)
	}
	if slices.ContainsFunc(events, func(e event.Event) bool { return e.Type == event.ModuleLog }) {
		t.Error("no module should run on an incompatible runtime")
	}
}

func TestRun_ResolutionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files map[string]string
		kind  string
	}{
		{
			name: "missing output",
			files: map[string]string{
				"app/package.toml": "[package]\nformat = 1\n[inputs]\ndep = \"../dep/package.toml#nope\"\n",
				"dep/package.toml": "[package]\nformat = 1\n[outputs]\ndata = \"data.txt\"\n",
			},
			kind: "resolution/missing_output",
		},
		{
			name: "cycle",
			files: map[string]string{
				"app/package.toml": "[package]\nformat = 1\n[inputs]\ndep = \"../dep/package.toml\"\n",
				"dep/package.toml": "[package]\nformat = 1\n[inputs]\napp = \"../app/package.toml\"\n",
			},
			kind: "resolution/cycle",
		},
		{
			name: "missing input",
			files: map[string]string{
				"app/package.toml": "[package]\nformat = 1\n[inputs]\ndata = \"data.txt\"\n",
			},
			kind: "fetch/not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.write(t, tt.files)

			s := New(h.path("app/package.toml"), h.deps)
			if err := s.Run(t.Context()); err == nil {
				t.Fatal("Run() should fail")
			}
			events := h.drain()
			types := lifecycle(events)
			if slices.Contains(types, event.PackageReady) || types[len(types)-1] != event.PackageFailed {
				t.Fatalf("events = %v", types)
			}
			if got := events[len(events)-1].Kind; got != tt.kind {
				t.Errorf("kind = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestRun_ImportsDependencyOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{
		"app/package.toml": `
[package]
format = 1

[inputs]
lib = "../lib/package.toml#greeting"
"copy.sh" = "copy.sh"

[outputs."a.txt"]
uri = "a.txt"
hash = "` + helloSHA256 + `"
`,
		"app/copy.sh":      "read_input lib | write_output a.txt\n",
		"lib/package.toml": "[package]\nformat = 1\n[outputs]\ngreeting = \"greeting.txt\"\n",
		"lib/greeting.txt": "hello",
	})

	s := New(h.path("app/package.toml"), h.deps)
	if err := s.Run(t.Context()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if g := s.Graph(); g == nil || g.Len() != 2 {
		t.Fatalf("Graph() = %v", g)
	}
	if out := s.Info().Outputs; out["a.txt"] != helloSHA256 {
		t.Errorf("outputs = %v", out)
	}
	if h.deps.Evaluations.Len() != 2 {
		t.Errorf("Evaluations.Len() = %d, want 2", h.deps.Evaluations.Len())
	}
}

func TestReset_Retry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{
		"pkg/package.toml": "[package]\nformat = 1\n[outputs]\ndata = \"data.txt\"\n",
	})

	s := New(h.path("pkg/package.toml"), h.deps)
	if err := s.Run(t.Context()); !errors.Is(err, fetch.ErrNotFound) {
		t.Fatalf("Run() error = %v, want ErrNotFound", err)
	}
	h.drain()

	h.write(t, map[string]string{"pkg/data.txt": "hello"})
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if s.State() != StatePending || s.Failure() != nil || s.Graph() != nil {
		t.Fatalf("after Reset: state %s, failure %v", s.State(), s.Failure())
	}

	if err := s.Run(t.Context()); err != nil {
		t.Fatalf("retry Run() error: %v", err)
	}
	want := []event.Type{event.PackageResolving, event.PackageAcquiring, event.PackageEvaluating, event.PackageReady}
	if got := lifecycle(h.drain()); !slices.Equal(got, want) {
		t.Errorf("retry events = %v, want %v", got, want)
	}
	if s.Info().Outputs["data"] != helloSHA256 {
		t.Errorf("outputs = %v", s.Info().Outputs)
	}
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{"pkg/package.toml": helloPackage, "pkg/build.sh": "log x\n"})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	s := New(h.path("pkg/package.toml"), h.deps)
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	events := h.drain()
	if len(events) != 1 || events[0].Type != event.PackageFailed || events[0].Kind != KindCancelled {
		t.Errorf("events = %+v", events)
	}
	if s.State() != StateFailed {
		t.Errorf("State() = %s", s.State())
	}
}

func TestRun_OutputsWithoutModules(t *testing.T) {
	t.Parallel()

	const manifest = `
[package]
format = 1

[outputs."a.txt"]
uri = "a.txt"
hash = "` + helloSHA256 + `"
`

	tests := []struct {
		name    string
		content string
		kind    string
	}{
		{name: "matching content", content: "hello"},
		{name: "mismatching content", content: "world", kind: "integrity/mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.write(t, map[string]string{
				"pkg/package.toml": manifest,
				"pkg/a.txt":        tt.content,
			})

			s := New(h.path("pkg/package.toml"), h.deps)
			err := s.Run(t.Context())
			events := h.drain()
			last := events[len(events)-1]

			if tt.kind != "" {
				if !errors.Is(err, acquire.ErrIntegrity) {
					t.Fatalf("Run() error = %v, want ErrIntegrity", err)
				}
				if last.Type != event.PackageFailed || last.Kind != tt.kind {
					t.Errorf("last event = %+v", last)
				}
				if slices.Contains(lifecycle(events), event.PackageReady) {
					t.Error("a failed session must not report ready")
				}
				return
			}

			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if last.Type != event.PackageReady || last.Outputs["a.txt"] != helloSHA256 {
				t.Errorf("last event = %+v", last)
			}
			if slices.ContainsFunc(events, func(e event.Event) bool { return e.Type == event.ModuleLog }) {
				t.Error("a package without modules runs nothing")
			}
		})
	}
}

func TestRun_ReevaluatesCollectedOutputs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{
		"pkg/package.toml": helloPackage,
		"pkg/build.sh":     "log building\nprintf hello | write_output a.txt\n",
	})

	first := New(h.path("pkg/package.toml"), h.deps)
	if err := first.Run(t.Context()); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	h.store.Release(first.ID().String())
	// A negative age expires every unheld entry.
	if _, err := h.store.GC(t.Context(), -time.Hour); err != nil {
		t.Fatalf("GC() error: %v", err)
	}
	h.drain()

	second := New(h.path("pkg/package.toml"), h.deps)
	if err := second.Run(t.Context()); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	out := second.Outputs()
	if len(out) != 1 || out[0].Address.String() != helloSHA256 {
		t.Fatalf("Outputs() = %+v", out)
	}
	if _, err := os.Stat(out[0].Blob); err != nil {
		t.Errorf("ready output is missing: %v", err)
	}
	if !slices.ContainsFunc(h.drain(), func(e event.Event) bool {
		return e.Type == event.ModuleLog && e.Line == "building"
	}) {
		t.Error("collected outputs should be evaluated again")
	}
}

func TestRun_DependencyCancelled(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t)
		h.write(t, map[string]string{
			"pkg/package.toml": helloPackage,
			"pkg/build.sh":     "printf hello | write_output a.txt\n",
		})
		key := h.path("pkg/package.toml")

		g, err := h.deps.Resolver.Resolve(t.Context(), key, "leader")
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}

		// Another session starts the evaluation and is cancelled while
		// this one waits on it.
		leaderCtx, cancelLeader := context.WithCancel(t.Context())
		leaderDone := make(chan error, 1)
		go func() {
			_, err := h.deps.Evaluations.Do(leaderCtx, g.Root().ID, func(ctx context.Context) ([]runtime.Resource, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
			leaderDone <- err
		}()

		s := New(key, h.deps)
		runDone := make(chan error, 1)
		go func() { runDone <- s.Run(t.Context()) }()

		synctest.Wait()
		if s.State() != StateEvaluating {
			t.Fatalf("State() = %s, want %s", s.State(), StateEvaluating)
		}
		cancelLeader()

		if err := <-leaderDone; !errors.Is(err, context.Canceled) {
			t.Errorf("leader Do() error = %v", err)
		}
		err = <-runDone
		if !errors.Is(err, resolver.ErrDependencyCancelled) {
			t.Fatalf("Run() error = %v, want ErrDependencyCancelled", err)
		}

		events := h.drain()
		last := events[len(events)-1]
		if last.Type != event.PackageFailed || last.Kind != "resolution/dependency_cancelled" {
			t.Errorf("last event = %+v", last)
		}
		if s.Info().Kind != "resolution/dependency_cancelled" {
			t.Errorf("Info().Kind = %q", s.Info().Kind)
		}
	})
}

func TestRun_RetryWhileFirstRunReturns(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.write(t, map[string]string{
		"pkg/package.toml": "[package]\nformat = 1\n[inputs]\ndata = \"data.txt\"\n",
	})

	s := New(h.path("pkg/package.toml"), h.deps)
	first := make(chan error, 1)
	go func() { first <- s.Run(t.Context()) }()

	// Retry as soon as the failure is published, while the first Run may
	// still be recording its metrics.
	for e := range h.sub.Events() {
		if e.Type == event.PackageFailed {
			break
		}
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if err := s.Run(t.Context()); !errors.Is(err, fetch.ErrNotFound) {
		t.Errorf("retry Run() error = %v, want ErrNotFound", err)
	}
	if err := <-first; !errors.Is(err, fetch.ErrNotFound) {
		t.Errorf("first Run() error = %v, want ErrNotFound", err)
	}
	if info := s.Info(); info.Started.IsZero() || info.Finished.Before(info.Started) {
		t.Errorf("Info() = %+v", info)
	}
}
