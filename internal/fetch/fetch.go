// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

const (
	schemeFile     = "file"
	schemeHTTP     = "http"
	schemeHTTPS    = "https"
	schemeGitHTTPS = "git+https"
	schemeGitHTTP  = "git+http"
	schemeGitSSH   = "git+ssh"
	schemeGitFile  = "git+file"
)

type (
	// Fetcher opens the content behind a URI.
	Fetcher interface {
		Open(ctx context.Context, uri string) (*Response, error)
	}

	// Response is an open resource. Size is -1 when unknown.
	Response struct {
		Body io.ReadCloser
		Size int64
	}

	// Mux dispatches to a Fetcher by URI scheme. Plain paths and file://
	// URIs are served by the file fetcher.
	Mux struct {
		mu       sync.RWMutex
		fetchers map[string]Fetcher
	}

	// FileFetcher reads local files.
	FileFetcher struct{}

	// ProgressFunc receives the running byte count and the total, -1 when
	// unknown.
	ProgressFunc func(read, total int64)

	progressReader struct {
		r     io.Reader
		read  int64
		total int64
		fn    ProgressFunc
	}
)

// NewMux creates a mux serving local files only.
func NewMux() *Mux {
	m := &Mux{fetchers: make(map[string]Fetcher)}
	m.Handle(schemeFile, FileFetcher{})
	return m
}

// New creates a mux serving every supported scheme. Git clones are made
// below scratchDir.
func New(scratchDir string, httpOpts ...HTTPOption) *Mux {
	m := NewMux()
	h := NewHTTPFetcher(httpOpts...)
	m.Handle(schemeHTTP, h)
	m.Handle(schemeHTTPS, h)

	g := NewGitFetcher(scratchDir)
	for _, scheme := range []string{schemeGitHTTPS, schemeGitHTTP, schemeGitSSH, schemeGitFile} {
		m.Handle(scheme, g)
	}
	return m
}

// Handle routes scheme to f, replacing any previous fetcher.
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[scheme] = f
}

// Open implements Fetcher.
func (m *Mux) Open(ctx context.Context, uri string) (*Response, error) {
	scheme := Scheme(uri)
	if scheme == "" {
		scheme = schemeFile
	}

	m.mu.RLock()
	f, ok := m.fetchers[scheme]
	m.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindNotFound, URI: uri, Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)}
	}
	return f.Open(ctx, uri)
}

// Open implements Fetcher.
func (FileFetcher) Open(ctx context.Context, uri string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := LocalPath(uri)
	if err != nil {
		return nil, notFound(uri, err)
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(uri, err)
		}
		return nil, networkError(uri, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, networkError(uri, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, notFound(uri, errors.New("is a directory"))
	}
	return &Response{Body: f, Size: info.Size()}, nil
}

// Scheme returns the lowercase scheme of uri, or "" for plain paths.
// Windows drive letters are not schemes.
func Scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 1 {
		return ""
	}
	scheme := strings.ToLower(uri[:i])
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return scheme
}

// IsLocal reports whether uri refers to the local filesystem.
func IsLocal(uri string) bool {
	s := Scheme(uri)
	return s == "" || s == schemeFile
}

// LocalPath converts a plain path or file:// URI to a filesystem path.
func LocalPath(uri string) (string, error) {
	if Scheme(uri) == "" {
		return filepath.FromSlash(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid file uri: %w", err)
	}
	if u.Scheme != schemeFile {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}

// Resolve interprets ref relative to the manifest at base. Absolute URIs
// and absolute paths are returned unchanged; relative references are
// resolved against the directory holding base. A fragment on ref is kept.
func Resolve(base, ref string) string {
	if Scheme(ref) != "" || base == "" {
		return ref
	}

	refPath, fragment, hasFragment := strings.Cut(ref, "#")
	suffix := ""
	if hasFragment {
		suffix = "#" + fragment
	}

	switch scheme := Scheme(base); {
	case scheme == "":
		if filepath.IsAbs(refPath) {
			return ref
		}
		return filepath.Join(filepath.Dir(filepath.FromSlash(base)), filepath.FromSlash(refPath)) + suffix

	case strings.HasPrefix(scheme, "git+"):
		g, err := parseGitURI(base)
		if err != nil {
			return ref
		}
		g.path = path.Join(path.Dir(g.path), refPath)
		return g.String() + suffix

	default:
		b, err := url.Parse(base)
		if err != nil {
			return ref
		}
		r, err := url.Parse(refPath)
		if err != nil {
			return ref
		}
		return b.ResolveReference(r).String() + suffix
	}
}

// NewProgressReader reports every read of r to fn.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}
