// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/an-anime-team/wineyard/internal/store"
)

// cacheEntry is the structured form of one `cache list` row.
type cacheEntry struct {
	Address  string    `json:"address" yaml:"address"`
	Kind     string    `json:"kind" yaml:"kind"`
	Size     int64     `json:"size" yaml:"size"`
	URI      string    `json:"uri" yaml:"uri"`
	LastUsed time.Time `json:"last_used" yaml:"last_used"`
	Path     string    `json:"path" yaml:"path"`
}

func newCacheCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the content cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		newCacheListCommand(app),
		newCacheGCCommand(app),
		newCachePathCommand(app),
	)
	return cmd
}

func newCacheListCommand(app *App) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached blobs and extracted archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			svc, err := app.openServices(cmd.Context())
			if err != nil {
				return app.fail(cmd, err)
			}
			defer func() { _ = svc.Close() }()

			entries, err := svc.store.List(cmd.Context())
			if err != nil {
				return app.fail(cmd, err)
			}

			if output != outputText {
				rows := make([]cacheEntry, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, cacheEntry{
						Address:  e.Address.String(),
						Kind:     string(e.Kind),
						Size:     e.Size,
						URI:      e.URI,
						LastUsed: e.LastUsed.UTC(),
						Path:     e.Path,
					})
				}
				return writeStructured(app.stdout, output, rows)
			}

			if len(entries) == 0 {
				fmt.Fprintln(app.stdout, SubtitleStyle.Render("(cache is empty)"))
				return nil
			}
			fmt.Fprintln(app.stdout, entryTable(entries))
			fmt.Fprintf(app.stdout, "%d entries, %s\n", len(entries), humanBytes(totalSize(entries)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

func newCacheGCCommand(app *App) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove cache entries unused for longer than cache.max_age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := app.openServices(cmd.Context())
			if err != nil {
				return app.fail(cmd, err)
			}
			defer func() { _ = svc.Close() }()

			age := svc.cfg.Cache.MaxAge.Std()
			if cmd.Flags().Changed("max-age") {
				age = maxAge
			}

			removed, err := svc.store.GC(cmd.Context(), age)
			if err != nil {
				return app.fail(cmd, err)
			}
			fmt.Fprintf(app.stdout, "%s removed %d entries, freed %s\n",
				SuccessStyle.Render(successIcon), len(removed), humanBytes(totalSize(removed)))
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "override cache.max_age (0 removes every unreferenced entry)")
	return cmd
}

func newCachePathCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.fail(cmd, err)
			}
			fmt.Fprintln(app.stdout, cfg.Cache.Dir)
			return nil
		},
	}
}

func entryTable(entries []store.Entry) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
		Headers("ADDRESS", "KIND", "SIZE", "LAST USED", "URI").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, e := range entries {
		t.Row(e.Address.Algorithm+":"+shortDigest(e.Address.Digest), string(e.Kind), humanBytes(e.Size),
			e.LastUsed.Local().Format(time.DateTime), e.URI)
	}
	return t.Render()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func totalSize(entries []store.Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
