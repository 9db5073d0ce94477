// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/an-anime-team/wineyard/internal/logging"
)

func startWatcher(t *testing.T, cfg Config, roots ...string) (*Watcher, <-chan []string) {
	t.Helper()

	changes := make(chan []string, 16)
	cfg.Logger = logging.Discard()
	cfg.OnChange = func(_ context.Context, changed []string) error {
		changes <- changed
		return nil
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 50 * time.Millisecond
	}

	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			t.Fatalf("Add(%q) error: %v", root, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Run() error: %v", err)
		}
	})
	return w, changes
}

func write(t *testing.T, p, content string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitChange(t *testing.T, changes <-chan []string) []string {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		return nil
	}
}

func TestWatcher_Debounce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, changes := startWatcher(t, Config{Debounce: 100 * time.Millisecond}, dir)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		write(t, filepath.Join(dir, name), "data")
		time.Sleep(10 * time.Millisecond)
	}

	changed := waitChange(t, changes)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if !slices.Contains(changed, filepath.Join(dir, name)) {
			t.Errorf("%s missing from %v", name, changed)
		}
	}

	select {
	case extra := <-changes:
		t.Errorf("unexpected second callback with %v", extra)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestWatcher_Ignore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, changes := startWatcher(t, Config{Ignore: []string{"**/*.log"}}, dir)

	write(t, filepath.Join(dir, "debug.log"), "x")
	write(t, filepath.Join(dir, "package.lock"), "x")
	time.Sleep(150 * time.Millisecond)
	write(t, filepath.Join(dir, "package.toml"), "x")

	changed := waitChange(t, changes)
	if !slices.Equal(changed, []string{filepath.Join(dir, "package.toml")}) {
		t.Errorf("changed = %v", changed)
	}
}

func TestWatcher_NewDirectoriesAreWatched(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, changes := startWatcher(t, Config{}, dir)

	sub := filepath.Join(dir, "data")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitChange(t, changes)

	write(t, filepath.Join(sub, "a.txt"), "x")
	for {
		changed := waitChange(t, changes)
		if slices.Contains(changed, filepath.Join(sub, "a.txt")) {
			return
		}
	}
}

func TestWatcher_AddRemove(t *testing.T) {
	t.Parallel()

	a, b := t.TempDir(), t.TempDir()
	w, changes := startWatcher(t, Config{}, a, b, a)

	if got := w.Roots(); len(got) != 2 {
		t.Fatalf("Roots() = %v", got)
	}

	w.Remove(a)
	if got := w.Roots(); len(got) != 2 {
		t.Fatalf("a root added twice should survive one Remove: %v", got)
	}
	w.Remove(a)
	if got := w.Roots(); !slices.Equal(got, []string{b}) {
		t.Fatalf("Roots() = %v", got)
	}

	write(t, filepath.Join(a, "gone.txt"), "x")
	write(t, filepath.Join(b, "kept.txt"), "x")
	changed := waitChange(t, changes)
	if slices.Contains(changed, filepath.Join(a, "gone.txt")) {
		t.Errorf("removed root still reported: %v", changed)
	}
}

func TestWatcher_RunTwice(t *testing.T) {
	t.Parallel()

	w, err := New(Config{Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if err := w.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v", err)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Ignore: []string{"[unclosed"}}); err == nil {
		t.Error("an invalid ignore pattern should be rejected")
	}
}

func TestDefaultIgnores(t *testing.T) {
	t.Parallel()

	got := DefaultIgnores()
	got[0] = "mutated"
	if DefaultIgnores()[0] == "mutated" {
		t.Error("DefaultIgnores() must return a copy")
	}
}
