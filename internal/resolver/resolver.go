// SPDX-License-Identifier: MPL-2.0

// Package resolver builds package dependency graphs. Manifests are loaded in
// breadth-first waves: the manifests of one wave are acquired concurrently
// and merged in declaration order, so diagnostics and fetch scheduling are
// reproducible. Cycles are rejected after construction by a topological
// sort; a graph is only returned when it is complete and acyclic.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/dag"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

const defaultConcurrency = 8

type (
	// Acquirer makes a resource available locally.
	Acquirer interface {
		Acquire(ctx context.Context, ref manifest.ResourceRef, base, owner string) (acquire.Resource, error)
	}

	// Resolver builds Graphs.
	Resolver struct {
		acquirer    Acquirer
		registry    *format.Registry
		logger      *log.Logger
		concurrency int
	}

	// Option configures a Resolver.
	Option func(*Resolver)

	// request asks for the manifest behind a package input.
	request struct {
		// parent is the dependent's key; empty for the root.
		parent string
		// input indexes the parent's Inputs.
		input int
		ref   manifest.ResourceRef
		// uri is the resolved manifest location without fragment.
		uri string
	}

	loaded struct {
		manifest *manifest.Manifest
		address  manifest.HashValue
	}
)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithConcurrency bounds the manifests loaded at once within a wave.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Resolver.
func New(a Acquirer, reg *format.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		acquirer:    a,
		registry:    reg,
		logger:      log.Default(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve builds the graph rooted at the manifest at root. Every manifest
// acquired is retained for owner.
func (r *Resolver) Resolve(ctx context.Context, root, owner string) (*Graph, error) {
	g := newGraph()
	byURI := make(map[string]string)

	pkg := format.Package
	wave := []request{{ref: manifest.ResourceRef{URI: root, Format: &pkg}, uri: root}}

	for len(wave) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results, err := r.loadWave(ctx, wave, byURI, owner)
		if err != nil {
			return nil, err
		}

		var next []request
		for _, req := range wave {
			key, known := byURI[req.uri]
			if !known {
				l := results[req.uri]
				key = nodeKey(l.address, req.uri, l.manifest)
				byURI[req.uri] = key
				if _, exists := g.nodes[key]; !exists {
					n, reqs, err := r.newNode(key, req, l)
					if err != nil {
						return nil, err
					}
					g.nodes[key] = n
					g.dag.AddNode(key)
					next = append(next, reqs...)
					if req.parent == "" {
						g.root = key
					}
					r.logger.Debug("package discovered", "uri", req.uri, "key", key)
				}
			}

			if req.parent != "" {
				if err := g.link(req, key); err != nil {
					return nil, err
				}
			}
		}
		wave = next
	}

	levels, err := g.dag.Levels()
	if err != nil {
		var ce *dag.CycleError
		if errors.As(err, &ce) {
			path := make([]string, len(ce.Path))
			for i, k := range ce.Path {
				path[i] = g.nodes[k].URI
			}
			return nil, &ResolutionError{Kind: KindCycle, Path: path, Err: err}
		}
		return nil, err
	}
	g.levels = levels
	for _, level := range levels {
		g.order = append(g.order, level...)
	}
	for _, key := range g.order {
		n := g.nodes[key]
		n.ID = g.identify(n)
	}
	return g, nil
}

// loadWave acquires and parses every manifest of a wave not loaded before.
func (r *Resolver) loadWave(ctx context.Context, wave []request, byURI map[string]string, owner string) (map[string]loaded, error) {
	var pending []request
	queued := make(map[string]bool)
	for _, req := range wave {
		if _, known := byURI[req.uri]; known || queued[req.uri] {
			continue
		}
		queued[req.uri] = true
		pending = append(pending, req)
	}

	results := make([]loaded, len(pending))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for i, req := range pending {
		eg.Go(func() error {
			l, err := r.load(egCtx, req, owner)
			if err != nil {
				return err
			}
			results[i] = l
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	byLocation := make(map[string]loaded, len(pending))
	for i, req := range pending {
		byLocation[req.uri] = results[i]
	}
	return byLocation, nil
}

func (r *Resolver) load(ctx context.Context, req request, owner string) (loaded, error) {
	ref := req.ref
	ref.URI = req.uri
	pkg := format.Package
	ref.Format = &pkg

	res, err := r.acquirer.Acquire(ctx, ref, "", owner)
	if err != nil {
		return loaded{}, fmt.Errorf("failed to acquire package %s: %w", req.uri, err)
	}
	data, err := os.ReadFile(res.Blob)
	if err != nil {
		return loaded{}, fmt.Errorf("failed to read package %s: %w", req.uri, err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return loaded{}, fmt.Errorf("package %s: %w", req.uri, err)
	}
	addr, err := m.ContentAddress()
	if err != nil {
		return loaded{}, fmt.Errorf("package %s: %w", req.uri, err)
	}
	return loaded{manifest: m, address: addr}, nil
}

// newNode binds the resources of a freshly loaded manifest and returns the
// requests for its package inputs, in declaration order.
func (r *Resolver) newNode(key string, req request, l loaded) (*Node, []request, error) {
	n := &Node{
		Key:      key,
		URI:      req.uri,
		Address:  l.address,
		Manifest: l.manifest,
		parent:   req.parent,
	}

	var reqs []request
	for i, res := range l.manifest.Inputs {
		b, err := r.bind(req.uri, res)
		if err != nil {
			return nil, nil, err
		}
		if b.Format.Primary == format.PrimaryPackage {
			_, fragment, _ := strings.Cut(res.Ref.URI, "#")
			b.Package = &Dependency{Output: manifest.ResourceName(fragment)}
			reqs = append(reqs, request{parent: key, input: i, ref: res.Ref, uri: b.URI})
		}
		n.Inputs = append(n.Inputs, b)
	}
	for _, res := range l.manifest.Outputs {
		b, err := r.bind(req.uri, res)
		if err != nil {
			return nil, nil, err
		}
		n.Outputs = append(n.Outputs, b)
	}
	return n, reqs, nil
}

func (r *Resolver) bind(base string, res manifest.Resource) (Binding, error) {
	uri, _, _ := strings.Cut(fetch.Resolve(base, res.Ref.URI), "#")
	tag, err := r.registry.ResolveFormat(uri, res.Ref.Format)
	if err != nil {
		return Binding{}, fmt.Errorf("package %s: resource %q: %w", base, res.Name, err)
	}
	return Binding{Name: res.Name, Ref: res.Ref, URI: uri, Format: tag}, nil
}

// link binds the parent's input to the dependency at key.
func (g *Graph) link(req request, key string) error {
	parent := g.nodes[req.parent]
	dep := parent.Inputs[req.input].Package
	dep.Key = key

	if dep.Output != "" {
		output, err := manifest.NewResourceName(string(dep.Output))
		if err == nil {
			dep.Output = output
		}
		if err != nil || !g.nodes[key].Manifest.Outputs.Has(output) {
			path := append(g.Path(req.parent), req.uri+"#"+string(dep.Output))
			return &ResolutionError{Kind: KindMissingOutput, Path: path, Output: string(dep.Output)}
		}
	}

	g.dag.AddEdge(key, req.parent)
	return nil
}

// nodeKey is the manifest content address, qualified by the manifest's
// directory when relative references make its meaning location dependent.
func nodeKey(addr manifest.HashValue, uri string, m *manifest.Manifest) string {
	for _, rs := range []manifest.Resources{m.Inputs, m.Outputs} {
		for _, res := range rs {
			if fetch.Scheme(res.Ref.URI) == "" && !filepath.IsAbs(res.Ref.URI) {
				return addr.String() + "@" + fetch.Resolve(uri, ".")
			}
		}
	}
	return addr.String()
}
