// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/issue"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

const maxManifestSize = 4 << 20

// manifestSummary is the structured form of `manifest show`.
type manifestSummary struct {
	URI         string            `json:"uri" yaml:"uri"`
	Address     string            `json:"address" yaml:"address"`
	Format      int               `json:"format" yaml:"format"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Authors     []string          `json:"authors,omitempty" yaml:"authors,omitempty"`
	MinRuntime  uint32            `json:"minimal_runtime_version,omitempty" yaml:"minimal_runtime_version,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Modules     []string          `json:"modules,omitempty" yaml:"modules,omitempty"`
}

func newManifestCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect and format package manifests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		newManifestCheckCommand(app),
		newManifestFmtCommand(app),
		newManifestShowCommand(app),
	)
	return cmd
}

func newManifestCheckCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check <manifest>...",
		Short: "Validate manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, uri := range args {
				if _, _, err := readManifest(cmd.Context(), fetch.NewMux(), uri); err != nil {
					fmt.Fprintf(app.stderr, "%s %s\n", ErrorStyle.Render(errorIcon), formatErrorForDisplay(err, app.verbose))
					failed++
					continue
				}
				fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render(successIcon), uri)
			}
			if failed > 0 {
				cmd.SilenceUsage = true
				cmd.SilenceErrors = true
				renderIssue(app.stderr, issue.ManifestInvalidId, app.verbose)
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
}

func newManifestFmtCommand(app *App) *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "fmt <manifest>",
		Short: "Print a manifest in canonical form",
		Long: `Print a manifest in canonical form, the encoding its content address is
computed from. Comments are not kept. With --write the file is rewritten
in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := args[0]
			if write && !fetch.IsLocal(uri) {
				return app.fail(cmd, fmt.Errorf("cannot rewrite remote manifest %s", uri))
			}

			m, _, err := readManifest(cmd.Context(), fetch.NewMux(), uri)
			if err != nil {
				return app.fail(cmd, err)
			}
			data, err := m.Encode()
			if err != nil {
				return app.fail(cmd, err)
			}

			if !write {
				_, err := app.stdout.Write(data)
				return err
			}
			p, err := fetch.LocalPath(uri)
			if err != nil {
				return app.fail(cmd, err)
			}
			if err := os.WriteFile(p, data, 0o644); err != nil {
				return app.fail(cmd, err)
			}
			fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render(successIcon), p)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&write, "write", "w", false, "rewrite the file in place")
	return cmd
}

func newManifestShowCommand(app *App) *cobra.Command {
	var output, style string

	cmd := &cobra.Command{
		Use:   "show <manifest>",
		Short: "Describe a manifest",
		Long:  `Describe a local or remote manifest: metadata, inputs, outputs and modules.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			ctx := cmd.Context()

			svc, err := app.openServices(ctx)
			if err != nil {
				return app.fail(cmd, err)
			}
			defer func() { _ = svc.Close() }()

			uri := args[0]
			m, addr, err := readManifest(ctx, svc.fetcher, uri)
			if err != nil {
				return app.fail(cmd, err)
			}
			modules := m.Modules(inferWith(svc.registry, uri))

			if output != outputText {
				return writeStructured(app.stdout, output, summarize(uri, addr, m, modules))
			}

			md := m.Markdown(uri)
			if len(modules) > 0 {
				var b strings.Builder
				b.WriteString("## Modules\n\n")
				for _, r := range modules {
					fmt.Fprintf(&b, "- `%s`\n", r.Name)
				}
				md += b.String()
			}
			md += fmt.Sprintf("\n**Content address:** `%s`\n", addr)

			rendered, err := glamour.Render(md, style)
			if err != nil {
				return app.fail(cmd, err)
			}
			_, err = io.WriteString(app.stdout, rendered)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	cmd.Flags().StringVar(&style, "style", "dark", "glamour style for text output (dark, light, notty)")
	return cmd
}

// readManifest fetches and parses the manifest at uri and returns it with
// its content address.
func readManifest(ctx context.Context, f fetch.Fetcher, uri string) (*manifest.Manifest, manifest.HashValue, error) {
	location, _, _ := strings.Cut(uri, "#")

	resp, err := f.Open(ctx, location)
	if err != nil {
		return nil, manifest.HashValue{}, issue.Wrap(err, "read manifest", location)
	}
	defer func() { _ = resp.Body.Close() }() // read-only

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxManifestSize+1)); err != nil {
		return nil, manifest.HashValue{}, issue.Wrap(err, "read manifest", location)
	}
	if buf.Len() > maxManifestSize {
		return nil, manifest.HashValue{}, issue.Wrap(fmt.Errorf("larger than %d bytes", maxManifestSize), "read manifest", location)
	}

	m, err := manifest.Parse(buf.Bytes())
	if err != nil {
		return nil, manifest.HashValue{}, issue.Wrap(err, "parse manifest", location,
			"Run 'wineyard manifest fmt "+location+"' after fixing the reported field")
	}
	addr, err := m.ContentAddress()
	if err != nil {
		return nil, manifest.HashValue{}, err
	}
	return m, addr, nil
}

// inferWith resolves undeclared formats the way the resolver does.
func inferWith(reg *format.Registry, base string) func(manifest.ResourceRef) format.Tag {
	return func(ref manifest.ResourceRef) format.Tag {
		tag, err := reg.ResolveFormat(fetch.Resolve(base, ref.URI), nil)
		if err != nil {
			return format.Tag{}
		}
		return tag
	}
}

func summarize(uri string, addr manifest.HashValue, m *manifest.Manifest, modules []manifest.Resource) manifestSummary {
	s := manifestSummary{
		URI:         uri,
		Address:     addr.String(),
		Format:      int(m.Format),
		Description: m.Description,
		Authors:     m.Authors,
		MinRuntime:  m.MinimalRuntimeVersion(),
		Inputs:      make(map[string]string, len(m.Inputs)),
		Outputs:     make(map[string]string, len(m.Outputs)),
	}
	for _, r := range m.Inputs {
		s.Inputs[string(r.Name)] = r.Ref.URI
	}
	for _, r := range m.Outputs {
		s.Outputs[string(r.Name)] = r.Ref.URI
	}
	for _, r := range modules {
		s.Modules = append(s.Modules, string(r.Name))
	}
	return s
}
