// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/an-anime-team/wineyard/internal/config"
	"github.com/an-anime-team/wineyard/internal/daemon"
)

type daemonFlags struct {
	watch       bool
	metricsAddr string
}

func newDaemonCommand(app *App) *cobra.Command {
	var flags daemonFlags

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve frontends over stdin and stdout",
		Long: `Run the daemon. Requests are read from stdin as JSON, one per line:

  {"id":"1","action":"hello","protocol":"1.0.0"}
  {"id":"2","action":"load","manifest":"./package.toml"}
  {"id":"3","action":"query"}

Replies and events are written to stdout, one JSON object per line.
Logs go to stderr. The daemon exits when stdin is closed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, app, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.watch, "watch", false, "retry local packages when their files change")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// daemonConfig merges the configuration with explicitly set flags.
func daemonConfig(cmd *cobra.Command, cfg *config.Config, flags daemonFlags) daemon.Config {
	dcfg := daemon.Config{
		SubscriberBuffer: cfg.Daemon.SubscriberBuffer,
		MetricsAddr:      cfg.Daemon.MetricsAddr,
		Watch:            cfg.Daemon.Watch,
	}
	if cmd.Flags().Changed("watch") {
		dcfg.Watch = flags.watch
	}
	if cmd.Flags().Changed("metrics-addr") {
		dcfg.MetricsAddr = flags.metricsAddr
	}
	return dcfg
}

func runDaemon(cmd *cobra.Command, app *App, flags daemonFlags) error {
	ctx := cmd.Context()

	svc, err := app.openServices(ctx)
	if err != nil {
		return app.fail(cmd, err)
	}
	defer func() { _ = svc.Close() }()

	d := daemon.New(daemonConfig(cmd, svc.cfg, flags), svc.store, svc.fetcher, svc.registry,
		daemon.WithLogger(svc.logger.WithPrefix("daemon")))
	if err := d.Start(ctx); err != nil {
		return app.fail(cmd, err)
	}
	defer d.Stop()

	if err := d.Serve(ctx, app.stdin, app.stdout); err != nil {
		return app.fail(cmd, err)
	}
	return nil
}
