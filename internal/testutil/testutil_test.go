// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFakeClock(t *testing.T) {
	t.Parallel()

	c := NewFakeClock(time.Time{})
	start := c.Now()
	if start != time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("Now() = %v, want the reference date", start)
	}

	c.Advance(90 * time.Minute)
	if got := c.Since(start); got != 90*time.Minute {
		t.Errorf("Since() = %v after Advance(90m)", got)
	}

	at := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Set(at)
	if got := c.Now(); !got.Equal(at) {
		t.Errorf("Now() = %v after Set, want %v", got, at)
	}
}

func TestWriteFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	WriteFiles(t, root, map[string]string{
		"a.txt":         "a",
		"nested/b/c.sh": "echo c\n",
	})

	for name, want := range map[string]string{"a.txt": "a", "nested/b/c.sh": "echo c\n"} {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("ReadFile(%s) error: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}
}
