// SPDX-License-Identifier: MPL-2.0

// Package daemon holds the loaded packages of a wineyard process. Frontends
// change its state only through actions, which a single goroutine handles
// in submission order, and observe it through the event bus.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/event"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/metrics"
	"github.com/an-anime-team/wineyard/internal/resolver"
	"github.com/an-anime-team/wineyard/internal/runtime"
	"github.com/an-anime-team/wineyard/internal/session"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/internal/watch"
	"github.com/an-anime-team/wineyard/pkg/format"
)

const progressStep = 256 << 10

type (
	// Config tunes a Daemon.
	Config struct {
		// SubscriberBuffer bounds undelivered events per IPC subscriber.
		SubscriberBuffer int
		// MetricsAddr serves /metrics when set.
		MetricsAddr string
		// Watch retries local packages when files below their manifest change.
		Watch         bool
		WatchDebounce time.Duration
		// Capabilities are the runtime capabilities offered to modules.
		Capabilities runtime.Capabilities
	}

	// Option configures a Daemon.
	Option func(*Daemon)

	// Daemon owns the sessions of loaded packages.
	Daemon struct {
		lifecycle

		cfg      Config
		logger   *log.Logger
		bus      *event.Bus
		store    *store.Store
		acquirer *acquire.Acquirer
		deps     session.Deps
		watcher  *watch.Watcher

		actions chan call
		// sessions is owned by the action loop.
		sessions map[string]*entry
		runs     sync.WaitGroup

		// owners maps store owners (session ids) to package keys for
		// progress events.
		owners sync.Map

		progressMu sync.Mutex
		progress   map[string]int64

		watchMu sync.Mutex
		watched map[string]string
	}

	entry struct {
		session *session.Session
		cancel  context.CancelFunc
		done    chan struct{}
	}

	call struct {
		req   Request
		reply chan Reply
	}
)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithBus publishes events on b instead of a private bus.
func WithBus(b *event.Bus) Option {
	return func(d *Daemon) { d.bus = b }
}

// New creates a daemon over a store. reg must carry the module evaluators
// matching cfg.Capabilities.
func New(cfg Config, s *store.Store, f fetch.Fetcher, reg *format.Registry, opts ...Option) *Daemon {
	if cfg.Capabilities.Version == 0 {
		cfg.Capabilities = runtime.DefaultCapabilities()
	}

	d := &Daemon{
		lifecycle: newLifecycle(),
		cfg:       cfg,
		logger:    log.Default(),
		store:     s,
		actions:   make(chan call),
		sessions:  make(map[string]*entry),
		progress:  make(map[string]int64),
		watched:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.bus == nil {
		d.bus = event.NewBus()
	}

	d.acquirer = acquire.New(s, f, reg,
		acquire.WithLogger(d.logger.WithPrefix("acquire")),
		acquire.WithProgress(d.onProgress))
	d.deps = session.Deps{
		Resolver:    resolver.New(d.acquirer, reg, resolver.WithLogger(d.logger.WithPrefix("resolver"))),
		Acquirer:    d.acquirer,
		Runtime:     runtime.New(cfg.Capabilities, reg, s, runtime.WithLogger(d.logger.WithPrefix("runtime"))),
		Store:       s,
		Evaluations: session.NewEvaluations(session.WithLocator(s)),
		Emitter:     d.bus,
		Logger:      d.logger.WithPrefix("session"),
	}
	return d
}

// Bus returns the event bus.
func (d *Daemon) Bus() *event.Bus { return d.bus }

// Start launches the action loop, the watcher and the metrics listener.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.toStarting(ctx); err != nil {
		return err
	}

	if d.cfg.Watch {
		w, err := watch.New(watch.Config{
			Debounce: d.cfg.WatchDebounce,
			OnChange: d.onChange,
			Logger:   d.logger.WithPrefix("watch"),
		})
		if err != nil {
			d.toFailed(err)
			return err
		}
		d.watcher = w
		d.goroutine(func() {
			if err := w.Run(d.ctx); err != nil {
				d.logger.Error("watcher stopped", "err", err)
				d.report(err)
			}
		})
	}

	if addr := d.cfg.MetricsAddr; addr != "" {
		d.goroutine(func() {
			if err := metrics.Serve(d.ctx, addr); err != nil {
				d.logger.Error("metrics listener stopped", "addr", addr, "err", err)
				d.report(err)
			}
		})
	}

	d.goroutine(d.loop)
	d.toRunning()
	d.logger.Info("daemon started", "runtime", d.cfg.Capabilities.Version, "store", d.store.Root())
	return nil
}

// Stop cancels every session and waits for background work to finish.
// Events are no longer published afterwards.
func (d *Daemon) Stop() {
	if !d.toStopping() {
		return
	}
	d.wg.Wait()
	d.runs.Wait()
	d.bus.Close()
	d.toStopped()
	d.logger.Info("daemon stopped")
}

// Do submits an action and waits for its reply. Errors are carried in the
// reply.
func (d *Daemon) Do(ctx context.Context, req Request) Reply {
	if d.State() != StateRunning {
		return failed(req, ErrNotRunning)
	}

	c := call{req: req, reply: make(chan Reply, 1)}
	select {
	case d.actions <- c:
	case <-ctx.Done():
		return failed(req, ctx.Err())
	case <-d.ctx.Done():
		return failed(req, ErrNotRunning)
	}

	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return failed(req, ctx.Err())
	}
}

func (d *Daemon) loop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case c := <-d.actions:
			reply, err := d.handle(c.req)
			result := "ok"
			if err != nil {
				reply = failed(c.req, err)
				result = "error"
			}
			actionsTotal.WithLabelValues(string(c.req.Action), result).Inc()
			c.reply <- reply
		}
	}
}

func (d *Daemon) handle(req Request) (Reply, error) {
	reply := Reply{ID: req.ID, Action: req.Action}

	switch req.Action {
	case ActionHello:
		if err := negotiate(req.Protocol); err != nil {
			return reply, err
		}
		reply.Protocol = ProtocolVersion
		return reply, nil

	case ActionLoad:
		if req.Manifest == "" {
			return reply, fmt.Errorf("%w: load needs a manifest", ErrBadRequest)
		}
		e := d.load(Key(req.Manifest))
		info := e.session.Info()
		reply.Session = &info
		return reply, nil

	case ActionUnload:
		key, e, err := d.find(req.Package)
		if err != nil {
			return reply, err
		}
		info := e.session.Info()
		d.unload(key, e)
		reply.Session = &info
		return reply, nil

	case ActionRetry:
		_, e, err := d.find(req.Package)
		if err != nil {
			return reply, err
		}
		// A pending session is about to run already.
		if e.session.State() != session.StatePending {
			if err := e.session.Reset(); err != nil {
				return reply, err
			}
			d.start(e)
		}
		info := e.session.Info()
		reply.Session = &info
		return reply, nil

	case ActionQuery:
		if req.Package == "" {
			reply.Sessions = d.infos()
			return reply, nil
		}
		_, e, err := d.find(req.Package)
		if err != nil {
			return reply, err
		}
		info := e.session.Info()
		reply.Session = &info
		return reply, nil

	default:
		return reply, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// load returns the session for key, starting a new one if needed.
func (d *Daemon) load(key string) *entry {
	if e, ok := d.sessions[key]; ok {
		return e
	}

	s := session.New(key, d.deps)
	e := &entry{session: s}
	d.sessions[key] = e
	d.owners.Store(s.ID().String(), key)
	sessionsLoaded.Set(float64(len(d.sessions)))

	if d.watcher != nil && fetch.IsLocal(key) {
		dir := filepath.Dir(key)
		if err := d.watcher.Add(dir); err != nil {
			d.logger.Warn("failed to watch package", "package", key, "err", err)
		} else {
			d.watchMu.Lock()
			d.watched[key] = dir
			d.watchMu.Unlock()
		}
	}

	d.logger.Info("package loaded", "package", key, "session", s.ID())
	d.start(e)
	return e
}

func (d *Daemon) start(e *entry) {
	ctx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done

	d.runs.Go(func() {
		defer close(done)
		defer cancel()
		_ = e.session.Run(ctx) // reported through events
	})
}

// unload cancels the session. Its store entries are released, evaluations
// no other loaded session shares are forgotten and PackageUnloaded is
// published once the run has ended.
func (d *Daemon) unload(key string, e *entry) {
	delete(d.sessions, key)
	sessionsLoaded.Set(float64(len(d.sessions)))
	orphans := d.orphanedPackages(e)

	d.watchMu.Lock()
	dir, watched := d.watched[key]
	delete(d.watched, key)
	d.watchMu.Unlock()
	if watched {
		d.watcher.Remove(dir)
	}

	e.cancel()
	d.runs.Go(func() {
		<-e.done
		owner := e.session.ID().String()
		released := d.store.Release(owner)
		d.owners.Delete(owner)
		d.deps.Evaluations.Forget(orphans...)
		d.bus.Publish(event.Event{
			Type:    event.PackageUnloaded,
			Session: e.session.ID(),
			Package: key,
		})
		d.logger.Info("package unloaded", "package", key, "released", released)
	})
}

// orphanedPackages returns the packages of e's graph that no other loaded
// session resolved.
func (d *Daemon) orphanedPackages(e *entry) []resolver.PackageID {
	g := e.session.Graph()
	if g == nil {
		return nil
	}

	shared := make(map[resolver.PackageID]struct{})
	for _, other := range d.sessions {
		if og := other.session.Graph(); og != nil {
			for _, n := range og.Nodes() {
				shared[n.ID] = struct{}{}
			}
		}
	}

	var ids []resolver.PackageID
	for _, n := range g.Nodes() {
		if _, ok := shared[n.ID]; !ok {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// find resolves a package reference: a session key, a manifest location or
// a package id prefix.
func (d *Daemon) find(ref string) (string, *entry, error) {
	if ref == "" {
		return "", nil, fmt.Errorf("%w: no package given", ErrBadRequest)
	}
	if e, ok := d.sessions[ref]; ok {
		return ref, e, nil
	}
	if key := Key(ref); key != ref {
		if e, ok := d.sessions[key]; ok {
			return key, e, nil
		}
	}

	if len(ref) >= minIDPrefix {
		var matches []string
		for key, e := range d.sessions {
			if id := e.session.Info().PackageID; id != "" && strings.HasPrefix(id, ref) {
				matches = append(matches, key)
			}
		}
		switch len(matches) {
		case 0:
		case 1:
			return matches[0], d.sessions[matches[0]], nil
		default:
			slices.Sort(matches)
			return "", nil, fmt.Errorf("%w: %q matches %s", ErrAmbiguousPackage, ref, strings.Join(matches, ", "))
		}
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownPackage, ref)
}

func (d *Daemon) infos() []session.Info {
	keys := slices.Sorted(maps.Keys(d.sessions))
	infos := make([]session.Info, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, d.sessions[k].session.Info())
	}
	return infos
}

// onProgress turns acquirer progress into events, at most one per
// progressStep bytes per resource.
func (d *Daemon) onProgress(owner, uri string, read, total int64) {
	key, ok := d.owners.Load(owner)
	if !ok {
		return
	}

	d.progressMu.Lock()
	k := owner + "|" + uri
	last, seen := d.progress[k]
	due := !seen || read-last >= progressStep || read == total
	switch {
	case read == total:
		delete(d.progress, k)
	case due:
		d.progress[k] = read
	}
	d.progressMu.Unlock()
	if !due {
		return
	}

	id, err := uuid.Parse(owner)
	if err != nil {
		return
	}
	d.bus.Publish(event.Event{
		Type:    event.ResourceFetchProgress,
		Session: id,
		Package: key.(string),
		URI:     uri,
		Bytes:   read,
		Total:   total,
	})
}

// onChange retries finished packages whose directory holds a changed file.
func (d *Daemon) onChange(ctx context.Context, changed []string) error {
	d.watchMu.Lock()
	var keys []string
	for key, dir := range d.watched {
		for _, p := range changed {
			if p == dir || strings.HasPrefix(p, dir+string(filepath.Separator)) {
				keys = append(keys, key)
				break
			}
		}
	}
	d.watchMu.Unlock()
	slices.Sort(keys)

	var errs []error
	for _, key := range keys {
		reply := d.Do(ctx, Request{Action: ActionRetry, Package: key})
		if err := reply.Err(); err != nil {
			if reply.Kind == "action/busy" {
				d.logger.Debug("package changed while running", "package", key)
				continue
			}
			errs = append(errs, fmt.Errorf("retry %s: %w", key, err))
			continue
		}
		d.logger.Info("package changed, retrying", "package", key)
	}
	return errors.Join(errs...)
}

func failed(req Request, err error) Reply {
	return Reply{ID: req.ID, Action: req.Action, Error: err.Error(), Kind: errorKind(err)}
}
