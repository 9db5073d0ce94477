// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/daemon"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/issue"
	"github.com/an-anime-team/wineyard/internal/lockfile"
	"github.com/an-anime-team/wineyard/internal/resolver"
)

var errRemoteManifest = errors.New("remote manifests need --out")

type lockFlags struct {
	check bool
	out   string
}

func newLockCommand(app *App) *cobra.Command {
	var flags lockFlags

	cmd := &cobra.Command{
		Use:   "lock <manifest>",
		Short: "Pin every resource of a package graph",
		Long: `Resolve the package graph, fetch every resource and write the content hash
and size of each to package.lock next to the manifest.

With --check, the existing lock file is verified instead: every pinned
resource is fetched again and compared with its locked hash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(cmd, app, args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.check, "check", false, "verify the existing lock file instead of writing one")
	cmd.Flags().StringVar(&flags.out, "out", "", "lock file path (default: package.lock next to the manifest)")
	return cmd
}

func runLock(cmd *cobra.Command, app *App, manifestURI string, flags lockFlags) error {
	ctx := cmd.Context()

	key := daemon.Key(manifestURI)
	path := flags.out
	if path == "" {
		if !fetch.IsLocal(key) {
			return app.fail(cmd, fmt.Errorf("%w: %s", errRemoteManifest, key))
		}
		path = lockfile.PathFor(key)
	}

	svc, err := app.openServices(ctx)
	if err != nil {
		return app.fail(cmd, err)
	}
	defer func() { _ = svc.Close() }()

	acq := acquire.New(svc.store, svc.fetcher, svc.registry, acquire.WithLogger(svc.logger.WithPrefix("acquire")))
	owner := "lock:" + uuid.NewString()
	defer svc.store.Release(owner)

	if flags.check {
		f, err := lockfile.Read(path)
		if err != nil {
			return app.fail(cmd, issue.Wrap(err, "read lock file", path, "Run 'wineyard lock "+manifestURI+"' to create it"))
		}
		if err := f.Verify(ctx, acq, owner); err != nil {
			return app.fail(cmd, issue.Wrap(err, "verify lock file", path))
		}
		fmt.Fprintf(app.stdout, "%s %s %s\n", SuccessStyle.Render(successIcon), path,
			SubtitleStyle.Render(fmt.Sprintf("(%d resources verified)", len(f.Resources))))
		return nil
	}

	res := resolver.New(acq, svc.registry, resolver.WithLogger(svc.logger.WithPrefix("resolver")))
	g, err := res.Resolve(ctx, key, owner)
	if err != nil {
		return app.fail(cmd, issue.Wrap(err, "resolve package", key))
	}

	f, err := lockfile.Build(ctx, g, acq, owner)
	if err != nil {
		return app.fail(cmd, issue.Wrap(err, "build lock file", key))
	}
	if err := f.Write(path); err != nil {
		return app.fail(cmd, err)
	}

	fmt.Fprintf(app.stdout, "%s %s %s\n", SuccessStyle.Render(successIcon), path,
		SubtitleStyle.Render(fmt.Sprintf("(%d packages, %d resources)", g.Len(), len(f.Resources))))
	return nil
}
