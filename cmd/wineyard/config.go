// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/an-anime-team/wineyard/internal/config"
)

// newConfigCommand creates the `wineyard config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage wineyard configuration",
		Long: `Manage wineyard configuration.

Configuration is stored in:
  - Linux: ~/.config/wineyard/config.cue
  - macOS: ~/Library/Application Support/wineyard/config.cue
  - Windows: %APPDATA%\wineyard\config.cue

Every key can be overridden by an environment variable named after it:
cache.max_age is WINEYARD_CACHE_MAX_AGE.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(
		newConfigShowCommand(app),
		newConfigPathCommand(app),
		newConfigInitCommand(app),
	)
	return cfgCmd
}

func newConfigShowCommand(app *App) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.fail(cmd, err)
			}

			if output != outputText {
				return writeStructured(app.stdout, output, cfg)
			}

			path, exists, err := config.Path(app.loadOptions())
			if err != nil {
				return app.fail(cmd, err)
			}
			source := path
			if !exists {
				source = SubtitleStyle.Render("(using defaults)")
			}

			w := app.stdout
			fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
			fmt.Fprintln(w)
			fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), source)
			fmt.Fprintln(w)
			fmt.Fprintf(w, "%s:\n", keyStyle.Render("cache"))
			fmt.Fprintf(w, "  dir: %s\n", SuccessStyle.Render(cfg.Cache.Dir))
			fmt.Fprintf(w, "  max_age: %s\n", SuccessStyle.Render(cfg.Cache.MaxAge.String()))
			fmt.Fprintf(w, "%s:\n", keyStyle.Render("fetch"))
			fmt.Fprintf(w, "  timeout: %s\n", SuccessStyle.Render(cfg.Fetch.Timeout.String()))
			fmt.Fprintf(w, "  retries: %s\n", SuccessStyle.Render(fmt.Sprint(cfg.Fetch.Retries)))
			fmt.Fprintf(w, "  user_agent: %s\n", SuccessStyle.Render(cfg.Fetch.UserAgent))
			fmt.Fprintf(w, "%s:\n", keyStyle.Render("runtime"))
			fmt.Fprintf(w, "  version: %s\n", SuccessStyle.Render(fmt.Sprint(cfg.Runtime.Version)))
			fmt.Fprintf(w, "%s:\n", keyStyle.Render("daemon"))
			fmt.Fprintf(w, "  subscriber_buffer: %s\n", SuccessStyle.Render(fmt.Sprint(cfg.Daemon.SubscriberBuffer)))
			metrics := cfg.Daemon.MetricsAddr
			if metrics == "" {
				metrics = SubtitleStyle.Render("(disabled)")
			}
			fmt.Fprintf(w, "  metrics_addr: %s\n", metrics)
			fmt.Fprintf(w, "  watch: %s\n", SuccessStyle.Render(fmt.Sprint(cfg.Daemon.Watch)))
			fmt.Fprintf(w, "%s:\n", keyStyle.Render("log"))
			fmt.Fprintf(w, "  level: %s\n", SuccessStyle.Render(string(cfg.Log.Level)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

func newConfigPathCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _, err := config.Path(app.loadOptions())
			if err != nil {
				return app.fail(cmd, err)
			}
			fmt.Fprintln(app.stdout, path)
			return nil
		},
	}
}

func newConfigInitCommand(app *App) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _, err := config.Path(app.loadOptions())
			if err != nil {
				return app.fail(cmd, err)
			}

			if force {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return app.fail(cmd, err)
				}
			}
			created, err := config.CreateDefaultConfig(path)
			if err != nil {
				return app.fail(cmd, err)
			}
			if !created {
				fmt.Fprintf(app.stdout, "%s %s already exists (use --force to overwrite)\n", WarningStyle.Render("!"), path)
				return nil
			}
			fmt.Fprintf(app.stdout, "%s created %s\n", SuccessStyle.Render(successIcon), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
