// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/an-anime-team/wineyard/internal/logging"
)

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func quietFetcher(opts ...HTTPOption) *HTTPFetcher {
	opts = append([]HTTPOption{WithBackOff(zeroBackOff), WithLogger(logging.Discard())}, opts...)
	return NewHTTPFetcher(opts...)
}

func readAll(t *testing.T, resp *Response) string {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestHTTPFetcher_OK(t *testing.T) {
	t.Parallel()

	ua := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua <- r.Header.Get("User-Agent")
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	resp, err := quietFetcher(WithUserAgent("wineyard-test")).Open(t.Context(), srv.URL+"/a.txt")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got := readAll(t, resp); got != "hello" {
		t.Errorf("body = %q", got)
	}
	if got := <-ua; got != "wineyard-test" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestHTTPFetcher_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := quietFetcher(WithRetries(5)).Open(t.Context(), srv.URL)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open() error = %v, want ErrNotFound", err)
	}
	if Retryable(err) {
		t.Error("not found should not be retryable")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "finally")
	}))
	defer srv.Close()

	resp, err := quietFetcher(WithRetries(3)).Open(t.Context(), srv.URL)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got := readAll(t, resp); got != "finally" {
		t.Errorf("body = %q", got)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3", n)
	}
}

func TestHTTPFetcher_GivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := quietFetcher(WithRetries(2)).Open(t.Context(), srv.URL)
	if !errors.Is(err, ErrNetwork) || !Retryable(err) {
		t.Fatalf("Open() error = %v, want retryable network error", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3", n)
	}
}

func TestFileFetcher(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMux()
	for _, uri := range []string{p, "file://" + filepath.ToSlash(p)} {
		resp, err := m.Open(t.Context(), uri)
		if err != nil {
			t.Fatalf("Open(%q) error: %v", uri, err)
		}
		if resp.Size != 5 {
			t.Errorf("Size = %d", resp.Size)
		}
		if got := readAll(t, resp); got != "local" {
			t.Errorf("body = %q", got)
		}
	}

	if _, err := m.Open(t.Context(), filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file error = %v, want ErrNotFound", err)
	}
	if _, err := m.Open(t.Context(), dir); !errors.Is(err, ErrNotFound) {
		t.Errorf("directory error = %v, want ErrNotFound", err)
	}
}

func TestMux_UnsupportedScheme(t *testing.T) {
	t.Parallel()

	_, err := NewMux().Open(t.Context(), "ftp://example.org/a")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("Open() error = %v, want ErrUnsupportedScheme", err)
	}
}

func TestScheme(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"https://example.org/a", "https"},
		{"GIT+HTTPS://example.org/r//a", "git+https"},
		{"relative/path.toml", ""},
		{"/abs/path.toml", ""},
		{"C://windows/path", ""},
		{"file:///tmp/a", "file"},
		{"weird scheme://x", ""},
	}
	for _, tt := range tests {
		if got := Scheme(tt.in); got != tt.want {
			t.Errorf("Scheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, ref, want string
	}{
		{"https://example.org/pkgs/core/package.toml", "lib.sh", "https://example.org/pkgs/core/lib.sh"},
		{"https://example.org/pkgs/core/package.toml", "../dep/package.toml#out", "https://example.org/pkgs/dep/package.toml#out"},
		{"https://example.org/pkgs/package.toml", "https://cdn.example.org/x", "https://cdn.example.org/x"},
		{
			"git+https://example.org/repo.git//pkgs/core/package.toml?ref=v1",
			"../dep/package.toml",
			"git+https://example.org/repo.git//pkgs/dep/package.toml?ref=v1",
		},
		{"", "a.txt", "a.txt"},
	}
	for _, tt := range tests {
		if got := Resolve(tt.base, tt.ref); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}

	base := filepath.Join("root", "pkg", "package.toml")
	if got, want := Resolve(base, "data/a.txt"), filepath.Join("root", "pkg", "data", "a.txt"); got != want {
		t.Errorf("Resolve(local) = %q, want %q", got, want)
	}
}

func TestParseGitURI(t *testing.T) {
	t.Parallel()

	g, err := parseGitURI("git+ssh://git@example.org/team/repo.git//sub/package.toml?ref=main")
	if err != nil {
		t.Fatalf("parseGitURI() error: %v", err)
	}
	if g.repo != "ssh://git@example.org/team/repo.git" || g.path != "sub/package.toml" || g.ref != "main" {
		t.Errorf("parseGitURI() = %+v", g)
	}

	if _, err := parseGitURI("git+https://example.org/repo.git"); err == nil {
		t.Error("a git uri without a repository path should be rejected")
	}

	_, err = NewGitFetcher(t.TempDir()).Open(t.Context(), "git+https://example.org/repo.git")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestProgressReader(t *testing.T) {
	t.Parallel()

	var last, total int64
	r := NewProgressReader(strings.NewReader("0123456789"), 10, func(read, tot int64) {
		last, total = read, tot
	})
	if _, err := io.Copy(io.Discard, r); err != nil {
		t.Fatal(err)
	}
	if last != 10 || total != 10 {
		t.Errorf("progress = %d/%d, want 10/10", last, total)
	}
}
