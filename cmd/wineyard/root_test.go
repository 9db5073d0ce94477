// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"strings"
	"testing"

	"github.com/an-anime-team/wineyard/internal/config"
)

//nolint:paralleltest // mutates the package-level version variables
func TestGetVersionString(t *testing.T) {
	orig := [3]string{Version, Commit, BuildDate}
	t.Cleanup(func() { Version, Commit, BuildDate = orig[0], orig[1], orig[2] })

	Version = "dev"
	if got := getVersionString(); !strings.HasPrefix(got, "dev (built from source)") || !strings.Contains(got, "protocol 1.0.0") {
		t.Errorf("getVersionString() = %q", got)
	}

	Version, Commit, BuildDate = "1.2", "abc123", "2026-01-02"
	got := getVersionString()
	for _, want := range []string{"v1.2.0", "commit: abc123", "built: 2026-01-02", "runtime 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("getVersionString() = %q, missing %q", got, want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.n); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestDaemonConfig_FlagsOverrideConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Daemon.MetricsAddr = "127.0.0.1:9000"
	cfg.Daemon.Watch = true

	cmd := newDaemonCommand(NewApp(Dependencies{}))
	got := daemonConfig(cmd, cfg, daemonFlags{})
	if got.MetricsAddr != "127.0.0.1:9000" || !got.Watch || got.SubscriberBuffer != cfg.Daemon.SubscriberBuffer {
		t.Errorf("daemonConfig() without flags = %+v", got)
	}

	if err := cmd.Flags().Set("watch", "false"); err != nil {
		t.Fatal(err)
	}
	got = daemonConfig(cmd, cfg, daemonFlags{watch: false})
	if got.Watch {
		t.Error("--watch=false should override the configuration")
	}
	if got.MetricsAddr != "127.0.0.1:9000" {
		t.Errorf("MetricsAddr = %q, an unset flag should keep the configuration", got.MetricsAddr)
	}
}

func TestShortDigest(t *testing.T) {
	t.Parallel()

	if got := shortDigest("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortDigest() = %q", got)
	}
	if got := shortDigest("abc"); got != "abc" {
		t.Errorf("shortDigest() = %q", got)
	}
}
