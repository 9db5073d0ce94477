// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/an-anime-team/wineyard/internal/daemon"
	"github.com/an-anime-team/wineyard/internal/event"
)

// loadBuffer bounds the events a one-shot load can fall behind by.
const loadBuffer = 4096

var errSubscriptionLost = errors.New("lost the event stream")

// loadResult is the summary printed by `wineyard load`.
type loadResult struct {
	Package   string            `json:"package" yaml:"package"`
	PackageID string            `json:"package_id,omitempty" yaml:"package_id,omitempty"`
	State     string            `json:"state" yaml:"state"`
	Kind      string            `json:"kind,omitempty" yaml:"kind,omitempty"`
	Reason    string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Packages  int               `json:"packages" yaml:"packages"`
	Outputs   map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

func newLoadCommand(app *App) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "load <manifest>",
		Short: "Load a package and print its outputs",
		Long: `Resolve, acquire and evaluate a package in-process and print the content
address of each of its outputs. Progress and module logs are written to
stderr. The command exits non-zero when the package fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			return runLoad(cmd, app, args[0], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

func runLoad(cmd *cobra.Command, app *App, manifestURI string, output string) error {
	ctx := cmd.Context()

	svc, err := app.openServices(ctx)
	if err != nil {
		return app.fail(cmd, err)
	}
	defer func() { _ = svc.Close() }()

	d := daemon.New(daemon.Config{SubscriberBuffer: svc.cfg.Daemon.SubscriberBuffer}, svc.store, svc.fetcher, svc.registry,
		daemon.WithLogger(svc.logger.WithPrefix("daemon")))
	if err := d.Start(ctx); err != nil {
		return app.fail(cmd, err)
	}
	defer d.Stop()

	sub := d.Bus().Subscribe(loadBuffer)
	defer sub.Close()

	reply := d.Do(ctx, daemon.Request{Action: daemon.ActionLoad, Manifest: manifestURI})
	if err := reply.Err(); err != nil {
		return app.fail(cmd, err)
	}

	last, err := waitTerminal(ctx, sub, reply.Session.Package, app.stderr, output == outputText)
	if err != nil {
		return app.fail(cmd, err)
	}

	query := d.Do(ctx, daemon.Request{Action: daemon.ActionQuery, Package: reply.Session.Package})
	if err := query.Err(); err != nil {
		return app.fail(cmd, err)
	}
	info := query.Session
	res := loadResult{
		Package:   info.Package,
		PackageID: info.PackageID,
		State:     info.State.String(),
		Kind:      info.Kind,
		Reason:    info.Reason,
		Packages:  info.Packages,
		Outputs:   info.Outputs,
	}

	if output != outputText {
		if err := writeStructured(app.stdout, output, res); err != nil {
			return err
		}
	} else {
		printLoadResult(app.stdout, res)
	}

	if last.Type == event.PackageFailed {
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		renderIssue(app.stderr, classifyKind(last.Kind), app.verbose)
		return &ExitError{Code: 1, Err: errors.New(last.Reason)}
	}
	return nil
}

// waitTerminal follows the events of pkg until it is ready or failed,
// printing progress to w when verbose is set.
func waitTerminal(ctx context.Context, sub *event.Subscription, pkg string, w io.Writer, progress bool) (event.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return event.Event{}, fmt.Errorf("%w: %w", errSubscriptionLost, err)
				}
				return event.Event{}, errSubscriptionLost
			}
			if ev.Package != pkg {
				continue
			}
			if progress {
				printEvent(w, ev)
			}
			if ev.Type.Terminal() {
				return ev, nil
			}
		}
	}
}

func printEvent(w io.Writer, ev event.Event) {
	switch ev.Type {
	case event.PackageResolving, event.PackageAcquiring, event.PackageEvaluating:
		fmt.Fprintf(w, "%s %s\n", stageStyle.Render(stageName(ev.Type)), SubtitleStyle.Render(ev.Package))
	case event.ResourceFetchProgress:
		if ev.Total > 0 {
			fmt.Fprintf(w, "%s %s %d/%d bytes\n", stageStyle.Render("fetching"), CmdStyle.Render(ev.URI), ev.Bytes, ev.Total)
		} else {
			fmt.Fprintf(w, "%s %s %d bytes\n", stageStyle.Render("fetching"), CmdStyle.Render(ev.URI), ev.Bytes)
		}
	case event.ModuleLog:
		fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render("["+ev.Module+"]"), ev.Line)
	}
}

func stageName(t event.Type) string {
	switch t {
	case event.PackageResolving:
		return "resolving"
	case event.PackageAcquiring:
		return "acquiring"
	case event.PackageEvaluating:
		return "evaluating"
	default:
		return string(t)
	}
}

func printLoadResult(w io.Writer, res loadResult) {
	if res.Kind != "" {
		fmt.Fprintf(w, "%s %s %s\n", ErrorStyle.Render(errorIcon), res.Package, SubtitleStyle.Render("("+res.Kind+")"))
		fmt.Fprintf(w, "  %s\n", res.Reason)
		return
	}

	fmt.Fprintf(w, "%s %s %s\n", SuccessStyle.Render(successIcon), res.Package,
		SubtitleStyle.Render(fmt.Sprintf("(%s, %d packages)", res.PackageID, res.Packages)))
	for _, name := range slices.Sorted(maps.Keys(res.Outputs)) {
		fmt.Fprintf(w, "  %s %s %s\n", infoIcon, keyStyle.Render(name), res.Outputs[name])
	}
}
