// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/an-anime-team/wineyard/internal/codec"
	"github.com/an-anime-team/wineyard/internal/config"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/logging"
	"github.com/an-anime-team/wineyard/internal/runtime"
	"github.com/an-anime-team/wineyard/internal/runtime/shell"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/pkg/format"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

var errUnknownOutput = errors.New("unknown output format")

type (
	// App wires CLI services. Every command handler receives it and reads
	// configuration and standard streams through it.
	App struct {
		Config config.Provider

		stdin  io.Reader
		stdout io.Writer
		stderr io.Writer

		// Set by persistent flags.
		configPath string
		verbose    bool
	}

	// Dependencies are the injection points for NewApp. Nil fields get
	// production defaults.
	Dependencies struct {
		Config config.Provider
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// services are the long-lived objects a command opens from the
	// configuration.
	services struct {
		cfg      *config.Config
		logger   *log.Logger
		store    *store.Store
		registry *format.Registry
		fetcher  *fetch.Mux
	}
)

// NewApp creates an App.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config: deps.Config,
		stdin:  deps.Stdin,
		stdout: deps.Stdout,
		stderr: deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.stdin == nil {
		app.stdin = os.Stdin
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

func (a *App) loadOptions() config.LoadOptions {
	return config.LoadOptions{ConfigFilePath: a.configPath}
}

func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	return a.Config.Load(ctx, a.loadOptions())
}

// newLogger logs to stderr; stdout is reserved for command output and IPC.
func (a *App) newLogger(cfg *config.Config) (*log.Logger, error) {
	level := string(cfg.Log.Level)
	if a.verbose {
		level = string(config.LogLevelDebug)
	}
	return logging.New(a.stderr, logging.Options{Level: level, Timestamps: true})
}

// newRegistry returns the codec registry with the shell evaluator for
// the built-in runtime version.
func newRegistry() *format.Registry {
	reg := codec.NewRegistry()
	reg.RegisterEvaluator(shell.New(runtime.Version))
	return reg
}

// openServices loads the configuration and opens the store. Close it when
// done.
func (a *App) openServices(ctx context.Context) (*services, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", cfg.Cache.Dir, err)
	}

	fetcher := fetch.New("",
		fetch.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.Timeout.Std()}),
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithRetries(cfg.Fetch.Retries),
		fetch.WithLogger(logger.WithPrefix("fetch")),
	)

	return &services{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		registry: newRegistry(),
		fetcher:  fetcher,
	}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}

// writeStructured prints v as JSON or YAML.
func writeStructured(w io.Writer, output string, v any) error {
	switch output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q (expected text, json or yaml)", errUnknownOutput, output)
	}
}

func validateOutput(output string) error {
	switch output {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("%w: %q (expected text, json or yaml)", errUnknownOutput, output)
	}
}
