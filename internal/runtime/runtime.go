// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

// ErrOutputNotProduced is reported when evaluation ends with a declared
// output still empty.
var ErrOutputNotProduced = errors.New("declared output was not produced")

type (
	// Resource is content visible to a module or published by a package.
	Resource struct {
		Name    string
		Format  format.Tag
		Address manifest.HashValue
		Blob    string
		// Tree is the extraction directory of an archive.
		Tree string
	}

	// Module is a module resource to evaluate.
	Module struct {
		Name   string
		Format format.Tag
		Blob   string
	}

	// Output is a declared output. Resource is nil until the output is
	// acquired or written by a module.
	Output struct {
		Name     string
		Format   format.Tag
		Declared *manifest.HashValue
		Resource *Resource
	}

	// Package is everything the runtime needs to evaluate one package.
	Package struct {
		// Name identifies the package in errors and logs.
		Name     string
		Manifest *manifest.Manifest
		// Inputs in declaration order. Imported package outputs appear as
		// "<input>" for a single output or "<input>/<output>" for all of them.
		Inputs  []Resource
		Outputs []Output
		Modules []Module
		// Owner holds references on written outputs.
		Owner string
		// Log receives module log lines. Optional.
		Log func(module, line string)
	}

	// Runtime evaluates packages.
	Runtime struct {
		caps     Capabilities
		registry *format.Registry
		store    *store.Store
		logger   *log.Logger
	}

	// Option configures a Runtime.
	Option func(*Runtime)
)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New creates a Runtime. Written outputs are committed to s.
func New(caps Capabilities, reg *format.Registry, s *store.Store, opts ...Option) *Runtime {
	r := &Runtime{
		caps:     caps,
		registry: reg,
		store:    s,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capabilities returns the runtime capabilities.
func (r *Runtime) Capabilities() Capabilities {
	return r.caps
}

// CheckCompatible fails with KindIncompatible when m requires a newer
// runtime.
func (r *Runtime) CheckCompatible(name string, m *manifest.Manifest) error {
	if required := m.MinimalRuntimeVersion(); required > r.caps.Version {
		return &RuntimeError{Kind: KindIncompatible, Package: name, Required: required, Actual: r.caps.Version}
	}
	return nil
}

// EvaluatePackage checks compatibility, runs every module in order and
// returns the package outputs in declaration order. Every declared output
// must be populated when evaluation ends.
func (r *Runtime) EvaluatePackage(ctx context.Context, pkg Package) ([]Resource, error) {
	if err := r.CheckCompatible(pkg.Name, pkg.Manifest); err != nil {
		return nil, err
	}

	outputs := make([]Output, len(pkg.Outputs))
	copy(outputs, pkg.Outputs)

	for _, mod := range pkg.Modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sb := newSandbox(pkg.Inputs, outputs, func(line string) {
			r.logger.Info(line, "package", pkg.Name, "module", mod.Name)
			if pkg.Log != nil {
				pkg.Log(mod.Name, line)
			}
		})

		if err := r.evaluate(ctx, pkg, mod, sb); err != nil {
			return nil, err
		}

		for _, w := range sb.writes() {
			res, err := r.commit(ctx, pkg, w.output, w.data)
			if err != nil {
				return nil, err
			}
			w.output.Resource = &res
		}
	}

	published := make([]Resource, 0, len(outputs))
	for _, out := range outputs {
		if out.Resource == nil {
			return nil, &RuntimeError{
				Kind:    KindModuleFault,
				Package: pkg.Name,
				Err:     fmt.Errorf("%w: %q", ErrOutputNotProduced, out.Name),
			}
		}
		published = append(published, *out.Resource)
	}
	return published, nil
}

// evaluate runs one module under a recoverable fault boundary.
func (r *Runtime) evaluate(ctx context.Context, pkg Package, mod Module, sb *sandbox) (err error) {
	evaluator, err := r.registry.Evaluator(mod.Format)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(mod.Blob)
	if err != nil {
		return fmt.Errorf("failed to read module %q: %w", mod.Name, err)
	}

	dialect := evaluator.Name()
	start := time.Now()
	defer func() {
		moduleDuration.WithLabelValues(dialect).Observe(time.Since(start).Seconds())

		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err == nil {
			err = sb.violation()
		}
		switch {
		case err == nil:
			modulesTotal.WithLabelValues(dialect, "ok").Inc()
		case ctx.Err() != nil:
			modulesTotal.WithLabelValues(dialect, "cancelled").Inc()
			err = ctx.Err()
		default:
			modulesTotal.WithLabelValues(dialect, "fault").Inc()
			err = &RuntimeError{Kind: KindModuleFault, Package: pkg.Name, Module: mod.Name, Err: err}
		}
	}()

	r.logger.Debug("evaluating module", "package", pkg.Name, "module", mod.Name, "dialect", dialect)
	return evaluator.Evaluate(ctx, mod.Name, source, sb)
}

// commit stores bytes written by a module, checking them against the
// declared hash of the output.
func (r *Runtime) commit(ctx context.Context, pkg Package, out *Output, data []byte) (Resource, error) {
	algorithm := manifest.DefaultHashAlgorithm
	if out.Declared != nil {
		algorithm = out.Declared.Algorithm
	}
	hasher, err := r.registry.Hasher(algorithm)
	if err != nil {
		return Resource{}, err
	}
	h := hasher.New()
	_, _ = h.Write(data)
	addr := manifest.HashValue{Algorithm: algorithm, Digest: hex.EncodeToString(h.Sum(nil))}

	uri := pkg.Name + "#" + out.Name
	if out.Declared != nil && *out.Declared != addr {
		return Resource{}, &acquire.IntegrityError{URI: uri, Expected: *out.Declared, Actual: addr}
	}

	staged, err := r.store.Stage()
	if err != nil {
		return Resource{}, err
	}
	_, writeErr := staged.Write(data)
	if closeErr := staged.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(staged.Name()) // best-effort
		return Resource{}, fmt.Errorf("failed to stage output %q: %w", out.Name, writeErr)
	}

	entry, err := r.store.CommitBlob(ctx, staged.Name(), addr, int64(len(data)), uri)
	if err != nil {
		return Resource{}, err
	}
	r.store.Retain(addr, store.KindBlob, pkg.Owner)

	return Resource{Name: out.Name, Format: out.Format, Address: addr, Blob: entry.Path}, nil
}
