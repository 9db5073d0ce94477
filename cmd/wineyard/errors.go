// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/an-anime-team/wineyard/internal/config"
	"github.com/an-anime-team/wineyard/internal/daemon"
	"github.com/an-anime-team/wineyard/internal/issue"
	"github.com/an-anime-team/wineyard/internal/lockfile"
	"github.com/an-anime-team/wineyard/internal/session"
	"github.com/an-anime-team/wineyard/internal/store"
)

// classifyKind maps a failure kind, as carried by PackageFailed events
// and daemon replies, to an issue catalog entry. Zero means none applies.
func classifyKind(kind string) issue.Id {
	category, detail, _ := strings.Cut(kind, "/")
	switch category {
	case "manifest":
		return issue.ManifestInvalidId
	case "format":
		return issue.FormatUnsupportedId
	case "fetch":
		if detail == "not_found" {
			return issue.ResourceNotFoundId
		}
		return issue.NetworkFailureId
	case "integrity":
		return issue.IntegrityMismatchId
	case "resolution":
		switch detail {
		case "cycle":
			return issue.DependencyCycleId
		case "missing_output":
			return issue.MissingOutputId
		}
	case "runtime":
		if detail == "incompatible" {
			return issue.RuntimeIncompatibleId
		}
		return issue.ModuleFailedId
	case "action":
		if detail == "protocol" {
			return issue.DaemonProtocolId
		}
	}
	return 0
}

// classifyError maps an error to an issue catalog entry.
func classifyError(err error) issue.Id {
	switch {
	case errors.Is(err, store.ErrNewerSchema):
		return issue.CacheSchemaNewerId
	case errors.Is(err, lockfile.ErrInvalid):
		return issue.LockfileMismatchId
	case errors.Is(err, daemon.ErrProtocol):
		return issue.DaemonProtocolId
	case errors.Is(err, config.ErrInvalidConfig), isConfigError(err):
		return issue.ConfigLoadFailedId
	case errors.Is(err, os.ErrPermission):
		return issue.PermissionDeniedId
	}
	return classifyKind(session.Classify(err))
}

func isConfigError(err error) bool {
	var ae *issue.ActionableError
	return errors.As(err, &ae) && strings.HasSuffix(ae.Operation, "configuration")
}

// formatErrorForDisplay uses the actionable format when available.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	return err.Error()
}

// renderIssue prints the catalog page for id in verbose mode, or a pointer
// to it otherwise.
func renderIssue(w io.Writer, id issue.Id, verbose bool) {
	entry := issue.Get(id)
	if entry == nil {
		return
	}
	if !verbose {
		fmt.Fprintln(w, SubtitleStyle.Render("Run again with --verbose for help on this error."))
		return
	}
	rendered, err := entry.Render("dark")
	if err != nil {
		return
	}
	fmt.Fprint(w, rendered)
}

// fail renders err on stderr and returns an ExitError so that the command
// exits non-zero without printing the error a second time.
func (a *App) fail(cmd *cobra.Command, err error) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	fmt.Fprintf(a.stderr, "%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, a.verbose))
	renderIssue(a.stderr, classifyError(err), a.verbose)
	return &ExitError{Code: 1, Err: err}
}
