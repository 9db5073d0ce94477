// SPDX-License-Identifier: MPL-2.0

// Package lockfile pins every resource of a resolved package graph to the
// content it had when the lock was made.
//
// A lock is a TOML document:
//
//	[lock]
//	format = 1
//	root = [2]
//
//	[[resources]]
//	uri = "https://example.org/lib/package.toml"
//	format = "package"
//
//	[resources.lock]
//	hash = "sha256:..."
//	size = 210
//
//	[resources.outputs]
//	greeting = 1
//
// Input and output tables map resource names to indices into resources.
package lockfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/resolver"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

const (
	// FormatVersion is the lock format written by this package.
	FormatVersion = 1
	// FileName is the conventional name of a lock next to its manifest.
	FileName = "package.lock"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid lock file")

type (
	// Acquirer makes a resource available locally.
	Acquirer interface {
		Acquire(ctx context.Context, ref manifest.ResourceRef, base, owner string) (acquire.Resource, error)
	}

	// File is a lock document.
	File struct {
		Lock      Header     `toml:"lock"`
		Resources []Resource `toml:"resources"`
	}

	// Header is the [lock] table.
	Header struct {
		Format int   `toml:"format"`
		Root   []int `toml:"root"`
	}

	// Resource is one pinned resource.
	Resource struct {
		URI     string         `toml:"uri"`
		Format  string         `toml:"format"`
		Lock    Integrity      `toml:"lock"`
		Inputs  map[string]int `toml:"inputs,omitempty"`
		Outputs map[string]int `toml:"outputs,omitempty"`
	}

	// Integrity is the pinned content of a resource.
	Integrity struct {
		Hash string `toml:"hash"`
		Size int64  `toml:"size"`
	}

	builder struct {
		acquirer Acquirer
		owner    string
		file     *File
		index    map[string]int
		packages map[string]int
		outputs  map[string]map[manifest.ResourceName]int
	}
)

// Build acquires every resource of g and records its content. Declared
// outputs that modules produce are not pinned.
func Build(ctx context.Context, g *resolver.Graph, a Acquirer, owner string) (*File, error) {
	b := &builder{
		acquirer: a,
		owner:    owner,
		file:     &File{Lock: Header{Format: FormatVersion}},
		index:    make(map[string]int),
		packages: make(map[string]int),
		outputs:  make(map[string]map[manifest.ResourceName]int),
	}

	for _, n := range g.Nodes() {
		if err := b.addNode(ctx, n); err != nil {
			return nil, err
		}
	}
	b.file.Lock.Root = []int{b.packages[g.Root().Key]}
	return b.file, nil
}

func (b *builder) addNode(ctx context.Context, n *resolver.Node) error {
	pkg := Resource{URI: n.URI, Format: format.Package.String()}
	res, err := b.acquire(ctx, manifest.ResourceRef{URI: n.URI, Format: &format.Package})
	if err != nil {
		return err
	}
	pkg.Lock = Integrity{Hash: res.Address.String(), Size: res.Size}

	modules := false
	for _, binds := range [][]resolver.Binding{n.Inputs, n.Outputs} {
		for _, bind := range binds {
			modules = modules || bind.Format.Primary == format.PrimaryModule
		}
	}

	for _, in := range n.Inputs {
		if pkg.Inputs == nil {
			pkg.Inputs = make(map[string]int)
		}
		if in.Package != nil {
			idx := b.packages[in.Package.Key]
			if in.Package.Output != "" {
				out, ok := b.outputs[in.Package.Key][in.Package.Output]
				if !ok {
					// Produced by a module: pin the package instead.
					out = idx
				}
				idx = out
			}
			pkg.Inputs[string(in.Name)] = idx
			continue
		}
		idx, err := b.add(ctx, in)
		if err != nil {
			return err
		}
		pkg.Inputs[string(in.Name)] = idx
	}

	produced := make(map[manifest.ResourceName]int)
	for _, out := range n.Outputs {
		idx, err := b.add(ctx, out)
		if errors.Is(err, fetch.ErrNotFound) && modules {
			continue
		}
		if err != nil {
			return err
		}
		if pkg.Outputs == nil {
			pkg.Outputs = make(map[string]int)
		}
		pkg.Outputs[string(out.Name)] = idx
		produced[out.Name] = idx
	}

	b.outputs[n.Key] = produced
	b.packages[n.Key] = b.append(pkg)
	return nil
}

func (b *builder) add(ctx context.Context, bind resolver.Binding) (int, error) {
	ref := bind.Ref
	ref.URI = bind.URI
	tag := bind.Format
	ref.Format = &tag

	res, err := b.acquire(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("resource %q: %w", bind.Name, err)
	}
	return b.append(Resource{
		URI:    res.URI,
		Format: res.Format.String(),
		Lock:   Integrity{Hash: res.Address.String(), Size: res.Size},
	}), nil
}

func (b *builder) acquire(ctx context.Context, ref manifest.ResourceRef) (acquire.Resource, error) {
	return b.acquirer.Acquire(ctx, ref, "", b.owner)
}

// append adds r, reusing the index of an identical leaf resource.
func (b *builder) append(r Resource) int {
	leaf := r.Inputs == nil && r.Outputs == nil && r.Format != format.Package.String()
	key := r.URI + "|" + r.Format + "|" + r.Lock.Hash
	if leaf {
		if idx, ok := b.index[key]; ok {
			return idx
		}
	}
	b.file.Resources = append(b.file.Resources, r)
	idx := len(b.file.Resources) - 1
	if leaf {
		b.index[key] = idx
	}
	return idx
}

// Parse decodes and validates a lock document.
func Parse(data []byte) (*File, error) {
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the format version, every hash and format tag, and that
// every index points at a resource.
func (f *File) Validate() error {
	if f.Lock.Format != FormatVersion {
		return fmt.Errorf("%w: unsupported format %d", ErrInvalid, f.Lock.Format)
	}
	if len(f.Lock.Root) == 0 {
		return fmt.Errorf("%w: no root resource", ErrInvalid)
	}

	inRange := func(i int) bool { return i >= 0 && i < len(f.Resources) }
	for _, i := range f.Lock.Root {
		if !inRange(i) {
			return fmt.Errorf("%w: root index %d out of range", ErrInvalid, i)
		}
	}
	for i, r := range f.Resources {
		if r.URI == "" {
			return fmt.Errorf("%w: resource %d has no uri", ErrInvalid, i)
		}
		if _, err := format.ParseTag(r.Format); err != nil {
			return fmt.Errorf("%w: resource %d: %w", ErrInvalid, i, err)
		}
		if _, err := manifest.ParseHash(r.Lock.Hash); err != nil {
			return fmt.Errorf("%w: resource %d: %w", ErrInvalid, i, err)
		}
		for _, table := range []map[string]int{r.Inputs, r.Outputs} {
			for name, idx := range table {
				if !inRange(idx) {
					return fmt.Errorf("%w: resource %d: %q points at %d", ErrInvalid, i, name, idx)
				}
			}
		}
	}
	return nil
}

// Encode renders the lock document.
func (f *File) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(false)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("failed to encode lock file: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify acquires every pinned resource against its locked hash. The first
// mismatch is returned as an *acquire.IntegrityError.
func (f *File) Verify(ctx context.Context, a Acquirer, owner string) error {
	for i, r := range f.Resources {
		tag, err := format.ParseTag(r.Format)
		if err != nil {
			return err
		}
		hash, err := manifest.ParseHash(r.Lock.Hash)
		if err != nil {
			return err
		}
		if _, err := a.Acquire(ctx, manifest.ResourceRef{URI: r.URI, Format: &tag, Hash: &hash}, "", owner); err != nil {
			return fmt.Errorf("resource %d (%s): %w", i, r.URI, err)
		}
	}
	return nil
}

// Read loads the lock file at path.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Write stores the lock at path, replacing any previous file atomically.
func (f *File) Write(path string) (err error) {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*")
	if err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name()) // best-effort
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// PathFor returns the conventional lock location for a local manifest.
func PathFor(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), FileName)
}
