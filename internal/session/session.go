// SPDX-License-Identifier: MPL-2.0

// Package session drives the lifecycle of one loaded package:
//
//	Pending -> Resolving -> Acquiring -> Evaluating -> Ready
//
// with Failed reachable from every non-terminal state. Every transition
// emits exactly one event. A failed run is never retried automatically;
// Reset returns the session to Pending for a frontend-initiated retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/event"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/resolver"
	"github.com/an-anime-team/wineyard/internal/runtime"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

const acquireConcurrency = 16

type (
	// Resolver builds the dependency graph of a package.
	Resolver interface {
		Resolve(ctx context.Context, root, owner string) (*resolver.Graph, error)
	}

	// Acquirer makes a resource available locally.
	Acquirer interface {
		Acquire(ctx context.Context, ref manifest.ResourceRef, base, owner string) (acquire.Resource, error)
	}

	// Runtime evaluates packages.
	Runtime interface {
		CheckCompatible(name string, m *manifest.Manifest) error
		EvaluatePackage(ctx context.Context, pkg runtime.Package) ([]runtime.Resource, error)
	}

	// Retainer records which sessions hold store entries.
	Retainer interface {
		Retain(addr manifest.HashValue, kind store.Kind, owner string)
	}

	// Deps are the collaborators shared by every session of a daemon.
	Deps struct {
		Resolver    Resolver
		Acquirer    Acquirer
		Runtime     Runtime
		Store       Retainer
		Evaluations *Evaluations
		Emitter     event.Emitter
		Logger      *log.Logger
	}

	// Session is one loaded package.
	Session struct {
		id   uuid.UUID
		key  string
		deps Deps

		mu       sync.Mutex
		state    State
		failure  error
		graph    *resolver.Graph
		outputs  []runtime.Resource
		started  time.Time
		finished time.Time
	}

	// Info is a point-in-time view of a session.
	Info struct {
		ID        uuid.UUID         `json:"id"`
		Package   string            `json:"package"`
		PackageID string            `json:"package_id,omitempty"`
		State     State             `json:"state"`
		Kind      string            `json:"kind,omitempty"`
		Reason    string            `json:"reason,omitempty"`
		Packages  int               `json:"packages,omitempty"`
		Outputs   map[string]string `json:"outputs,omitempty"`
		Started   time.Time         `json:"started,omitzero"`
		Finished  time.Time         `json:"finished,omitzero"`
	}

	// acquired holds the resources of one package by name.
	acquired struct {
		inputs  map[manifest.ResourceName]acquire.Resource
		outputs map[manifest.ResourceName]acquire.Resource
	}
)

// New creates a pending session for the manifest at key.
func New(key string, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Evaluations == nil {
		deps.Evaluations = NewEvaluations()
	}
	return &Session{id: uuid.New(), key: key, deps: deps}
}

// ID returns the session id. It also names the session as a store owner.
func (s *Session) ID() uuid.UUID { return s.id }

// Key returns the manifest location the session loads.
func (s *Session) Key() string { return s.key }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the error that failed the last run, or nil.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Graph returns the resolved graph, nil before resolution.
func (s *Session) Graph() *resolver.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Outputs returns the root package outputs once Ready.
func (s *Session) Outputs() []runtime.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:       s.id,
		Package:  s.key,
		State:    s.state,
		Started:  s.started,
		Finished: s.finished,
	}
	if s.graph != nil {
		info.PackageID = s.graph.Root().ID.String()
		info.Packages = s.graph.Len()
	}
	if s.failure != nil {
		info.Kind = Classify(s.failure)
		info.Reason = s.failure.Error()
	}
	if len(s.outputs) > 0 {
		info.Outputs = outputMap(s.outputs)
	}
	return info
}

// Run drives a pending session to Ready or Failed. Cancellation of ctx is
// observed between steps and fails the session.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPending, s.state)
	}
	started := time.Now()
	s.started = started
	s.finished = time.Time{}
	s.mu.Unlock()

	err := s.run(ctx)
	if err != nil {
		s.fail(err)
	}

	final := s.State()
	runsTotal.WithLabelValues(final.String()).Inc()
	runDuration.Observe(time.Since(started).Seconds())
	return err
}

// Reset returns a finished session to Pending. Stored evaluations of its
// packages are forgotten so local changes are picked up.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.IsTerminal() {
		if s.state == StatePending {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFinished, s.state)
	}
	if s.graph != nil {
		ids := make([]resolver.PackageID, 0, s.graph.Len())
		for _, n := range s.graph.Nodes() {
			ids = append(ids, n.ID)
		}
		s.deps.Evaluations.Forget(ids...)
	}
	s.state = StatePending
	s.failure = nil
	s.graph = nil
	s.outputs = nil
	return nil
}

func (s *Session) run(ctx context.Context) error {
	if err := s.transition(ctx, StateResolving, nil); err != nil {
		return err
	}
	g, err := s.deps.Resolver.Resolve(ctx, s.key, s.owner())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.graph = g
	s.mu.Unlock()

	for _, n := range g.Nodes() {
		if err := s.deps.Runtime.CheckCompatible(n.URI, n.Manifest); err != nil {
			return err
		}
	}

	if err := s.transition(ctx, StateAcquiring, nil); err != nil {
		return err
	}
	acq, err := s.acquireAll(ctx, g)
	if err != nil {
		return err
	}

	if err := s.transition(ctx, StateEvaluating, nil); err != nil {
		return err
	}
	outputs, err := s.evaluateAll(ctx, g, acq)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.outputs = outputs
	s.mu.Unlock()
	return s.transition(ctx, StateReady, func(e *event.Event) {
		e.Outputs = outputMap(outputs)
	})
}

// transition moves to the next state and emits its event. A cancelled ctx
// stops the run at the boundary.
func (s *Session) transition(ctx context.Context, to State, fill func(*event.Event)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, to)
	}
	s.state = to
	if to.IsTerminal() {
		s.finished = time.Now()
	}
	s.emitLocked(to, fill)
	s.deps.Logger.Debug("session state", "session", s.id, "package", s.key, "state", to)
	return nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	s.state = StateFailed
	s.failure = err
	s.finished = time.Now()
	kind := Classify(err)
	s.emitLocked(StateFailed, func(e *event.Event) {
		e.Reason = err.Error()
		e.Kind = kind
	})
	s.deps.Logger.Warn("package failed", "package", s.key, "kind", kind, "err", err)
}

func (s *Session) emitLocked(state State, fill func(*event.Event)) {
	typ, ok := state.event()
	if !ok || s.deps.Emitter == nil {
		return
	}
	e := s.header(typ)
	if fill != nil {
		fill(&e)
	}
	s.deps.Emitter.Publish(e)
}

// header returns an event for this session. Callers hold mu.
func (s *Session) header(typ event.Type) event.Event {
	e := event.Event{Type: typ, Session: s.id, Package: s.key}
	if s.graph != nil {
		e.PackageID = s.graph.Root().ID.String()
	}
	return e
}

func (s *Session) owner() string {
	return s.id.String()
}

// acquireAll fetches the resources of every package in the graph
// concurrently. Outputs that cannot be found are left for modules to write
// when the package has modules.
func (s *Session) acquireAll(ctx context.Context, g *resolver.Graph) (map[string]*acquired, error) {
	type job struct {
		node   *resolver.Node
		b      resolver.Binding
		output bool
	}

	var jobs []job
	for _, n := range g.Nodes() {
		for _, b := range n.Inputs {
			if b.Package == nil {
				jobs = append(jobs, job{node: n, b: b})
			}
		}
		for _, b := range n.Outputs {
			jobs = append(jobs, job{node: n, b: b, output: true})
		}
	}

	results := make([]*acquire.Resource, len(jobs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(acquireConcurrency)
	for i, j := range jobs {
		eg.Go(func() error {
			ref := j.b.Ref
			ref.URI = j.b.URI
			tag := j.b.Format
			ref.Format = &tag

			res, err := s.deps.Acquirer.Acquire(egCtx, ref, "", s.owner())
			if err != nil {
				if j.output && hasModules(j.node) && errors.Is(err, fetch.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("package %s: resource %q: %w", j.node.URI, j.b.Name, err)
			}
			results[i] = &res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	byNode := make(map[string]*acquired, g.Len())
	for _, n := range g.Nodes() {
		byNode[n.Key] = &acquired{
			inputs:  make(map[manifest.ResourceName]acquire.Resource),
			outputs: make(map[manifest.ResourceName]acquire.Resource),
		}
	}
	for i, j := range jobs {
		if results[i] == nil {
			continue
		}
		a := byNode[j.node.Key]
		if j.output {
			a.outputs[j.b.Name] = *results[i]
		} else {
			a.inputs[j.b.Name] = *results[i]
		}
	}
	return byNode, nil
}

// evaluateAll evaluates the graph wave by wave, dependencies first, and
// returns the root outputs. Packages of one wave run concurrently.
func (s *Session) evaluateAll(ctx context.Context, g *resolver.Graph, acq map[string]*acquired) ([]runtime.Resource, error) {
	published := make(map[string][]runtime.Resource, g.Len())

	for _, level := range g.Levels() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results := make([][]runtime.Resource, len(level))
		eg, egCtx := errgroup.WithContext(ctx)
		for i, n := range level {
			pkg := s.packageFor(g, n, acq[n.Key], published)
			eg.Go(func() error {
				outputs, err := s.deps.Evaluations.Do(egCtx, n.ID, func(ctx context.Context) ([]runtime.Resource, error) {
					return s.deps.Runtime.EvaluatePackage(ctx, pkg)
				})
				if errors.Is(err, errLeaderCancelled) {
					return &resolver.ResolutionError{Kind: resolver.KindDependencyCancelled, Path: g.Path(n.Key), Err: context.Canceled}
				}
				if err != nil {
					return err
				}
				results[i] = outputs
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		for i, n := range level {
			published[n.Key] = results[i]
			for _, out := range results[i] {
				s.deps.Store.Retain(out.Address, store.KindBlob, s.owner())
			}
		}
	}
	return published[g.Root().Key], nil
}

// packageFor assembles the runtime view of n. Imported package outputs
// become inputs named after the importing input.
func (s *Session) packageFor(g *resolver.Graph, n *resolver.Node, a *acquired, published map[string][]runtime.Resource) runtime.Package {
	pkg := runtime.Package{
		Name:     n.URI,
		Manifest: n.Manifest,
		Owner:    s.owner(),
	}

	for _, b := range n.Inputs {
		if b.Package != nil {
			for _, out := range published[b.Package.Key] {
				switch {
				case b.Package.Output == "":
					out.Name = string(b.Name) + "/" + out.Name
				case out.Name == string(b.Package.Output):
					out.Name = string(b.Name)
				default:
					continue
				}
				pkg.Inputs = append(pkg.Inputs, out)
			}
			continue
		}
		res := a.inputs[b.Name]
		pkg.Inputs = append(pkg.Inputs, toRuntime(b, res))
		if b.Format.Primary == format.PrimaryModule {
			pkg.Modules = append(pkg.Modules, runtime.Module{Name: string(b.Name), Format: b.Format, Blob: res.Blob})
		}
	}

	for _, b := range n.Outputs {
		out := runtime.Output{Name: string(b.Name), Format: b.Format, Declared: b.Ref.Hash}
		if res, ok := a.outputs[b.Name]; ok {
			r := toRuntime(b, res)
			out.Resource = &r
			if b.Format.Primary == format.PrimaryModule {
				pkg.Modules = append(pkg.Modules, runtime.Module{Name: string(b.Name), Format: b.Format, Blob: res.Blob})
			}
		}
		pkg.Outputs = append(pkg.Outputs, out)
	}

	module := func(name string) string { return name }
	if n.Key != g.Root().Key {
		module = func(name string) string { return n.URI + "#" + name }
	}
	pkg.Log = func(name, line string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.deps.Emitter == nil {
			return
		}
		e := s.header(event.ModuleLog)
		e.Module = module(name)
		e.Line = line
		s.deps.Emitter.Publish(e)
	}
	return pkg
}

func toRuntime(b resolver.Binding, res acquire.Resource) runtime.Resource {
	return runtime.Resource{
		Name:    string(b.Name),
		Format:  res.Format,
		Address: res.Address,
		Blob:    res.Blob,
		Tree:    res.Tree,
	}
}

func hasModules(n *resolver.Node) bool {
	for _, bs := range [][]resolver.Binding{n.Inputs, n.Outputs} {
		for _, b := range bs {
			if b.Format.Primary == format.PrimaryModule {
				return true
			}
		}
	}
	return false
}

func outputMap(outputs []runtime.Resource) map[string]string {
	m := make(map[string]string, len(outputs))
	for _, out := range outputs {
		m[out.Name] = out.Address.String()
	}
	return m
}
