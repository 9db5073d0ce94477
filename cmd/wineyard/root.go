// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/an-anime-team/wineyard/internal/daemon"
	"github.com/an-anime-team/wineyard/internal/runtime"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "wineyard",
		Short: "Package resolution and sandboxed module runtime",
		Long: TitleStyle.Render("wineyard") + SubtitleStyle.Render(" - package resolution and sandboxed module runtime") + `

wineyard resolves package manifests into dependency graphs, fetches and
verifies every resource into a content-addressed cache, and runs the
package modules in a sandbox that only sees declared inputs and outputs.

` + SubtitleStyle.Render("Examples:") + `
  wineyard daemon                     Serve frontends over stdin/stdout
  wineyard load ./package.toml        Load a package and print its outputs
  wineyard lock ./package.toml        Pin every resource in package.lock
  wineyard manifest show <uri>        Describe a manifest
  wineyard cache gc                   Remove old unreferenced cache entries`,
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output and debug logging")
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/wineyard/config.cue)")

	root.AddCommand(
		newDaemonCommand(app),
		newLoadCommand(app),
		newLockCommand(app),
		newManifestCommand(app),
		newCacheCommand(app),
		newConfigCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	suffix := fmt.Sprintf(" (runtime %d, protocol %s)", runtime.Version, daemon.ProtocolVersion)
	if Version == "dev" {
		return "dev (built from source)" + suffix
	}
	v := Version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if semver.IsValid(v) {
		v = semver.Canonical(v)
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", v, Commit, BuildDate) + suffix
}

// Run executes the CLI and returns the process exit code.
func Run() int {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(handleError),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 1
	}
	return 0
}

// handleError prints errors fang receives, except those a command has
// already rendered.
func handleError(w io.Writer, styles fang.Styles, err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return
	}
	fang.DefaultErrorHandler(w, styles, err)
}

// Execute runs the CLI and exits. It is called by main.main().
func Execute() {
	os.Exit(Run())
}
