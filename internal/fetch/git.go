// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

const gitPathSeparator = "//"

type (
	// GitFetcher reads a file from a repository by shallow-cloning it at
	// the requested ref into a scratch directory.
	GitFetcher struct {
		// ScratchDir holds clones while a resource is being read. Empty
		// means the system temporary directory.
		ScratchDir string

		httpAuth transport.AuthMethod
		sshAuth  transport.AuthMethod
	}

	gitURI struct {
		// repo is the clone URL without the git+ prefix.
		repo string
		// path is the file inside the repository, slash separated.
		path string
		ref  string
	}

	// cloneFile removes the clone once the file is closed.
	cloneFile struct {
		*os.File
		dir string
	}
)

// NewGitFetcher creates a git fetcher. Credentials are taken from the
// environment: WINEYARD_GIT_TOKEN, GITHUB_TOKEN, GITLAB_TOKEN or GIT_TOKEN
// for HTTPS remotes and the usual ~/.ssh keys for SSH remotes.
func NewGitFetcher(scratchDir string) *GitFetcher {
	return &GitFetcher{
		ScratchDir: scratchDir,
		httpAuth:   tokenAuth(),
		sshAuth:    keyAuth(),
	}
}

// Open implements Fetcher.
func (f *GitFetcher) Open(ctx context.Context, uri string) (_ *Response, err error) {
	g, err := parseGitURI(uri)
	if err != nil {
		return nil, notFound(uri, err)
	}

	dir, err := os.MkdirTemp(f.ScratchDir, "git-*")
	if err != nil {
		return nil, networkError(uri, fmt.Errorf("failed to create clone directory: %w", err))
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir) // best-effort
		}
	}()

	if err := f.clone(ctx, g, dir); err != nil {
		return nil, classifyGitError(uri, err)
	}

	p := filepath.Join(dir, filepath.FromSlash(g.path))
	rel, relErr := filepath.Rel(dir, p)
	if relErr != nil || strings.HasPrefix(rel, "..") {
		return nil, notFound(uri, fmt.Errorf("path %q escapes the repository", g.path))
	}

	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(uri, err)
		}
		return nil, networkError(uri, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, networkError(uri, err)
	}
	return &Response{Body: &cloneFile{File: file, dir: dir}, Size: info.Size()}, nil
}

// clone tries the ref as a tag first, then as a branch. An empty ref
// clones the remote HEAD.
func (f *GitFetcher) clone(ctx context.Context, g gitURI, dir string) error {
	auth := f.httpAuth
	if strings.HasPrefix(g.repo, "ssh://") {
		auth = f.sshAuth
	}

	refs := []plumbing.ReferenceName{""}
	if g.ref != "" {
		refs = []plumbing.ReferenceName{
			plumbing.NewTagReferenceName(g.ref),
			plumbing.NewBranchReferenceName(g.ref),
		}
	}

	var lastErr error
	for _, ref := range refs {
		_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:           g.repo,
			Auth:          auth,
			ReferenceName: ref,
			SingleBranch:  true,
			Depth:         1,
			Tags:          git.NoTags,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A failed attempt may leave a partial repository behind.
		if rmErr := clearDir(dir); rmErr != nil {
			return rmErr
		}
	}
	return lastErr
}

func classifyGitError(uri string, err error) error {
	var noRef git.NoMatchingRefSpecError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.As(err, &noRef):
		return notFound(uri, err)
	default:
		return networkError(uri, err)
	}
}

// Close closes the file and removes the clone.
func (c *cloneFile) Close() error {
	err := c.File.Close()
	if rmErr := os.RemoveAll(c.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func parseGitURI(uri string) (gitURI, error) {
	rest, ok := strings.CutPrefix(uri, "git+")
	if !ok {
		return gitURI{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}

	u, err := url.Parse(rest)
	if err != nil {
		return gitURI{}, fmt.Errorf("invalid git uri: %w", err)
	}
	ref := u.Query().Get("ref")
	u.RawQuery = ""
	u.Fragment = ""

	full := u.String()
	schemeEnd := strings.Index(full, "://") + len("://")
	repo, file, found := strings.Cut(full[schemeEnd:], gitPathSeparator)
	if !found || file == "" {
		return gitURI{}, fmt.Errorf("git uri %q has no //path inside the repository", uri)
	}

	return gitURI{
		repo: full[:schemeEnd] + repo,
		path: path.Clean(file),
		ref:  ref,
	}, nil
}

// String reassembles the git+ URI.
func (g gitURI) String() string {
	s := "git+" + g.repo + gitPathSeparator + g.path
	if g.ref != "" {
		s += "?ref=" + url.QueryEscape(g.ref)
	}
	return s
}

func tokenAuth() transport.AuthMethod {
	tokens := []struct {
		env, user string
	}{
		{"WINEYARD_GIT_TOKEN", "git"},
		{"GITHUB_TOKEN", "x-access-token"},
		{"GITLAB_TOKEN", "gitlab-ci-token"},
		{"GIT_TOKEN", "git"},
	}
	for _, t := range tokens {
		if token := os.Getenv(t.env); token != "" {
			return &githttp.BasicAuth{Username: t.user, Password: token}
		}
	}
	return nil
}

func keyAuth() transport.AuthMethod {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(keyPath); err != nil {
			continue
		}
		if auth, err := ssh.NewPublicKeysFromFile("git", keyPath, ""); err == nil {
			return auth
		}
	}
	return nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
