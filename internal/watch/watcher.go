// SPDX-License-Identifier: MPL-2.0

// Package watch reports changes below a set of package directories.
//
// Roots can be added and removed while the watcher runs. Events within the
// debounce window are coalesced so the callback fires once with the full set
// of changed paths.
package watch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: Run called more than once")

// defaultIgnores are always excluded: VCS metadata, editor swap files and
// lock file rewrites.
var defaultIgnores = []string{
	"**/.git/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
	"**/package.lock",
}

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Ignore are doublestar patterns, relative to a root, for paths that
		// never trigger callbacks. They extend the built-in ignores.
		Ignore []string

		// Debounce is the quiet period after the last event before the
		// callback fires. Zero or negative values use defaultDebounce.
		Debounce time.Duration

		// OnChange receives the absolute paths changed during the debounce
		// window. A nil callback is a no-op.
		OnChange func(ctx context.Context, changed []string) error

		Logger *log.Logger
	}

	// Watcher monitors package directories. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		ignores  []string
		debounce time.Duration
		logger   *log.Logger
		started  atomic.Bool

		mu    sync.Mutex
		roots map[string]int
	}
)

// New creates a Watcher with no roots.
func New(cfg Config) (*Watcher, error) {
	if err := validatePatterns(cfg.Ignore); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: debounce,
		logger:   logger,
		roots:    make(map[string]int),
	}, nil
}

// Add watches dir and every non-ignored directory below it. Adding the same
// root twice requires two calls to Remove.
func (w *Watcher) Add(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("watch: resolve %q: %w", dir, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.roots[abs]++
	if w.roots[abs] > 1 {
		return nil
	}
	if err := w.addTree(abs); err != nil {
		delete(w.roots, abs)
		return err
	}
	return nil
}

// Remove drops a root added with Add.
func (w *Watcher) Remove(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.roots[abs] == 0 {
		return
	}
	w.roots[abs]--
	if w.roots[abs] > 0 {
		return
	}
	delete(w.roots, abs)

	for _, p := range w.fsw.WatchList() {
		if !within(abs, p) {
			continue
		}
		if w.rootOf(p) != "" {
			continue // still covered by another root
		}
		_ = w.fsw.Remove(p) // best-effort
	}
}

// Roots returns the watched roots, sorted.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.roots))
}

// Run blocks until ctx is cancelled, dispatching debounced callbacks. It
// returns nil on cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire may run after ctx is cancelled, from time.AfterFunc. A callback
	// still in progress defers the pending set to the next window.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx, changed); err != nil {
				w.logger.Warn("change callback failed", "err", err)
			}
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("failed to close fsnotify watcher", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if !w.relevant(evt) {
				continue
			}

			mu.Lock()
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatal(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}

// relevant filters ignored paths and extends the watch to new directories.
func (w *Watcher) relevant(evt fsnotify.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	root := w.rootOf(evt.Name)
	if root == "" || w.ignored(root, evt.Name) {
		return false
	}
	if evt.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := w.addTree(evt.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", evt.Name, "err", err)
			}
		}
	}
	return true
}

// addTree adds dir and its non-ignored subdirectories. Callers hold mu.
func (w *Watcher) addTree(dir string) error {
	root := w.rootOf(dir)
	walkErr := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping inaccessible path", "path", p, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.ignored(root, p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", p, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("watch: walk %q: %w", dir, walkErr)
	}
	return nil
}

// rootOf returns the longest root containing p. Callers hold mu.
func (w *Watcher) rootOf(p string) string {
	best := ""
	for root := range w.roots {
		if within(root, p) && len(root) > len(best) {
			best = root
		}
	}
	return best
}

func (w *Watcher) ignored(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range w.ignores {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pat, rel+"/"); ok {
			return true
		}
	}
	return false
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

func validatePatterns(patterns []string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid ignore pattern %q: %w", pat, doublestar.ErrBadPattern)
		}
	}
	return nil
}
