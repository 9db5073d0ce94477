// SPDX-License-Identifier: MPL-2.0

// Package acquire turns resource references into verified content in the
// store. At most one fetch per content address is in flight at a time;
// concurrent requests for the same content share its result.
package acquire

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

const headerSize = 512

type (
	// Resource is acquired content ready for use.
	Resource struct {
		// URI is the resolved location the content came from.
		URI string
		// Format is the resolved tag; archives are narrowed to their type.
		Format format.Tag
		// Address is the declared hash, or the sha256 of the content.
		Address manifest.HashValue
		// Verified is true when Address was declared and checked.
		Verified bool
		Size     int64
		// Blob is the stored file.
		Blob string
		// Tree is the extraction directory of an archive, empty otherwise.
		Tree string
		// Cached is true when no fetch was needed.
		Cached bool
	}

	// ProgressFunc receives fetch progress for an owner.
	ProgressFunc func(owner, uri string, read, total int64)

	// Acquirer fetches, verifies, stores and extracts resources.
	Acquirer struct {
		store    *store.Store
		fetcher  fetch.Fetcher
		registry *format.Registry
		logger   *log.Logger
		progress ProgressFunc

		group singleflight.Group

		// remembered maps remote unverified URIs to the address they
		// resolved to, so they are fetched once per daemon lifetime.
		mu         sync.Mutex
		remembered map[string]manifest.HashValue
	}

	// Option configures an Acquirer.
	Option func(*Acquirer)
)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Acquirer) { a.logger = l }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(a *Acquirer) { a.progress = fn }
}

// New creates an Acquirer.
func New(s *store.Store, f fetch.Fetcher, r *format.Registry, opts ...Option) *Acquirer {
	a := &Acquirer{
		store:      s,
		fetcher:    f,
		registry:   r,
		logger:     log.Default(),
		remembered: make(map[string]manifest.HashValue),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire resolves ref against base (the location of the manifest declaring
// it), makes its content available in the store and registers owner as a
// holder of it.
func (a *Acquirer) Acquire(ctx context.Context, ref manifest.ResourceRef, base, owner string) (Resource, error) {
	uri := fetch.Resolve(base, ref.URI)
	uri, _, _ = strings.Cut(uri, "#")

	tag, err := a.registry.ResolveFormat(uri, ref.Format)
	if err != nil {
		return Resource{}, err
	}

	algorithm := manifest.DefaultHashAlgorithm
	if ref.Hash != nil {
		algorithm = ref.Hash.Algorithm
	}
	if _, err := a.registry.Hasher(algorithm); err != nil {
		return Resource{}, err
	}

	// Downloads are shared by content: references to the same hash under
	// different formats fetch once and differ only in what is built on top.
	key := "uri:" + uri
	if ref.Hash != nil {
		key = "ca:" + ref.Hash.String()
	}

	for {
		if blob, ok := a.stored(ctx, ref, uri); ok {
			res, err := a.complete(ctx, blob, ref, uri, tag)
			if err != nil {
				return Resource{}, err
			}
			res.Cached = true
			cacheHitsTotal.Inc()
			a.touch(ctx, res)
			a.retain(res, owner)
			return res, nil
		}

		ch := a.group.DoChan(key, func() (any, error) {
			return a.fetch(ctx, ref, uri, algorithm, owner)
		})

		select {
		case <-ctx.Done():
			return Resource{}, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				// The shared fetch was cancelled by its initiator; try again
				// under our own context.
				if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return Resource{}, r.Err
			}
			res, err := a.complete(ctx, r.Val.(store.Entry), ref, uri, tag)
			if err != nil {
				return Resource{}, err
			}
			a.retain(res, owner)
			return res, nil
		}
	}
}

// Forget drops the remembered address of an unverified URI so the next
// acquisition fetches it again.
func (a *Acquirer) Forget(uri string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.remembered, uri)
}

func (a *Acquirer) retain(res Resource, owner string) {
	a.store.Retain(res.Address, store.KindBlob, owner)
	if res.Tree != "" {
		a.store.Retain(res.Address, store.KindTree, owner)
	}
}

// stored returns the stored blob when its address is known without
// fetching: a declared hash, or a remote unverified URI fetched before.
func (a *Acquirer) stored(ctx context.Context, ref manifest.ResourceRef, uri string) (store.Entry, bool) {
	var addr manifest.HashValue
	if ref.Hash != nil {
		addr = *ref.Hash
	} else {
		if fetch.IsLocal(uri) {
			return store.Entry{}, false
		}
		a.mu.Lock()
		known, ok := a.remembered[uri]
		a.mu.Unlock()
		if !ok {
			return store.Entry{}, false
		}
		addr = known
	}

	blob, err := a.store.Lookup(ctx, addr, store.KindBlob)
	if err != nil {
		return store.Entry{}, false
	}
	return blob, true
}

func (a *Acquirer) touch(ctx context.Context, res Resource) {
	_ = a.store.Touch(ctx, res.Address, store.KindBlob)
	if res.Tree != "" {
		_ = a.store.Touch(ctx, res.Address, store.KindTree)
	}
}

// fetch downloads uri into the store. Unverified remote content is
// remembered by URI for the lifetime of the acquirer.
func (a *Acquirer) fetch(ctx context.Context, ref manifest.ResourceRef, uri, algorithm, owner string) (store.Entry, error) {
	scheme := fetch.Scheme(uri)
	if scheme == "" {
		scheme = "file"
	}

	a.logger.Debug("fetching", "uri", uri)
	blob, addr, err := a.download(ctx, uri, algorithm, owner, ref.Hash)
	if err != nil {
		fetchesTotal.WithLabelValues(scheme, "error").Inc()
		return store.Entry{}, err
	}
	fetchesTotal.WithLabelValues(scheme, "ok").Inc()
	bytesTotal.Add(float64(blob.Size))

	if ref.Hash == nil && !fetch.IsLocal(uri) {
		a.mu.Lock()
		a.remembered[uri] = addr
		a.mu.Unlock()
	}
	return blob, nil
}

// complete builds the resource for one format on top of a stored blob:
// archives are narrowed from their content and extracted once per address,
// whichever format the blob was first fetched for.
func (a *Acquirer) complete(ctx context.Context, blob store.Entry, ref manifest.ResourceRef, uri string, tag format.Tag) (Resource, error) {
	res := Resource{
		URI:      uri,
		Format:   tag,
		Address:  blob.Address,
		Verified: ref.Hash != nil,
		Size:     blob.Size,
		Blob:     blob.Path,
	}
	if tag.Primary != format.PrimaryArchive {
		return res, nil
	}

	var err error
	if res.Format, err = a.narrowArchive(tag, blob.Path); err != nil {
		return Resource{}, err
	}

	for {
		ch := a.group.DoChan("tree:"+blob.Address.String(), func() (any, error) {
			return a.extract(ctx, res.Format, blob, uri)
		})

		select {
		case <-ctx.Done():
			return Resource{}, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return Resource{}, r.Err
			}
			res.Tree = r.Val.(string)
			return res, nil
		}
	}
}

// download streams the resource into staging while hashing it and commits
// it under its address. A declared hash that does not match aborts the
// commit.
func (a *Acquirer) download(ctx context.Context, uri, algorithm, owner string, declared *manifest.HashValue) (_ store.Entry, _ manifest.HashValue, err error) {
	hasher, err := a.registry.Hasher(algorithm)
	if err != nil {
		return store.Entry{}, manifest.HashValue{}, err
	}

	resp, err := a.fetcher.Open(ctx, uri)
	if err != nil {
		return store.Entry{}, manifest.HashValue{}, err
	}
	defer func() { _ = resp.Body.Close() }() // read-only

	staged, err := a.store.Stage()
	if err != nil {
		return store.Entry{}, manifest.HashValue{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(staged.Name()) // best-effort
		}
	}()

	h := hasher.New()
	var body io.Reader = resp.Body
	if a.progress != nil {
		body = fetch.NewProgressReader(body, resp.Size, func(read, total int64) {
			a.progress(owner, uri, read, total)
		})
	}

	size, copyErr := io.Copy(io.MultiWriter(staged, h), contextReader{ctx: ctx, r: body})
	if closeErr := staged.Close(); closeErr != nil && copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		if ctx.Err() != nil {
			return store.Entry{}, manifest.HashValue{}, ctx.Err()
		}
		return store.Entry{}, manifest.HashValue{}, &fetch.Error{Kind: fetch.KindNetwork, URI: uri, Err: copyErr}
	}

	actual := manifest.HashValue{Algorithm: algorithm, Digest: hex.EncodeToString(h.Sum(nil))}
	if declared != nil && actual != *declared {
		integrityFailuresTotal.Inc()
		return store.Entry{}, manifest.HashValue{}, &IntegrityError{URI: uri, Expected: *declared, Actual: actual}
	}

	entry, err := a.store.CommitBlob(ctx, staged.Name(), actual, size, uri)
	if err != nil {
		return store.Entry{}, manifest.HashValue{}, err
	}
	committed = true
	return entry, actual, nil
}

func (a *Acquirer) narrowArchive(tag format.Tag, blobPath string) (format.Tag, error) {
	if tag.Secondary != "" {
		return tag, nil
	}
	if detected, ok := a.detectArchive(blobPath); ok {
		return detected, nil
	}
	return format.Tag{}, &format.Error{Kind: format.KindAmbiguous, Tag: tag.String(), Detail: "archive type not recognized from content"}
}

func (a *Acquirer) detectArchive(blobPath string) (format.Tag, bool) {
	f, err := os.Open(blobPath)
	if err != nil {
		return format.Tag{}, false
	}
	defer func() { _ = f.Close() }() // read-only

	header := make([]byte, headerSize)
	n, _ := io.ReadFull(f, header)
	return a.registry.DetectArchive(header[:n])
}

// extract unpacks the archive into a staging directory and publishes it
// with a single rename.
func (a *Acquirer) extract(ctx context.Context, tag format.Tag, blob store.Entry, uri string) (string, error) {
	if tree, err := a.store.Lookup(ctx, blob.Address, store.KindTree); err == nil {
		return tree.Path, nil
	}

	extractor, err := a.registry.Extractor(tag)
	if err != nil {
		return "", err
	}

	staged, err := a.store.StageDir()
	if err != nil {
		return "", err
	}

	start := time.Now()
	if err := extractor.Extract(ctx, blob.Path, staged); err != nil {
		_ = os.RemoveAll(staged) // best-effort
		return "", fmt.Errorf("failed to extract %s: %w", uri, err)
	}
	extractDuration.Observe(time.Since(start).Seconds())

	tree, err := a.store.CommitTree(ctx, staged, blob.Address, uri)
	if err != nil {
		_ = os.RemoveAll(staged) // best-effort
		return "", err
	}
	return tree.Path, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
