// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/an-anime-team/wineyard/internal/issue"
	"github.com/an-anime-team/wineyard/internal/runtime"
)

const (
	// AppName is the application name.
	AppName = "wineyard"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides: WINEYARD_FETCH_RETRIES=5.
	EnvPrefix = "WINEYARD"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the wineyard configuration directory using platform-specific
// conventions: Windows uses %APPDATA%, macOS uses ~/Library/Application Support,
// and Linux/others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var configDir string

	switch goruntime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// Path returns the config file path that Load would read for opts, and
// whether it exists.
func Path(opts LoadOptions) (string, bool, error) {
	if opts.ConfigFilePath != "" {
		return opts.ConfigFilePath, fileExists(opts.ConfigFilePath), nil
	}
	cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return "", false, err
	}
	p := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
	return p, fileExists(p), nil
}

// loadWithOptions merges defaults, the config file and WINEYARD_*
// environment variables, in increasing precedence.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("cache.dir", defaults.Cache.Dir)
	v.SetDefault("cache.max_age", defaults.Cache.MaxAge.String())
	v.SetDefault("fetch.timeout", defaults.Fetch.Timeout.String())
	v.SetDefault("fetch.retries", defaults.Fetch.Retries)
	v.SetDefault("fetch.user_agent", defaults.Fetch.UserAgent)
	v.SetDefault("daemon.subscriber_buffer", defaults.Daemon.SubscriberBuffer)
	v.SetDefault("daemon.metrics_addr", defaults.Daemon.MetricsAddr)
	v.SetDefault("daemon.watch", defaults.Daemon.Watch)
	v.SetDefault("log.level", string(defaults.Log.Level))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := opts.ConfigFilePath != ""
	cfgPath, exists, err := Path(opts)
	if err != nil {
		return nil, "", err
	}

	resolvedPath := ""
	switch {
	case exists:
		if err := loadCUEIntoViper(v, cfgPath); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(cfgPath).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithSuggestion("Run 'wineyard config show' to see the effective configuration").
				Wrap(err).
				BuildError()
		}
		resolvedPath = cfgPath
	case explicit:
		return nil, "", issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(cfgPath).
			WithSuggestion("Verify the file path is correct").
			WithSuggestion("Run 'wineyard config init' to create a default configuration").
			Wrap(fmt.Errorf("config file not found: %s", cfgPath)).
			BuildError()
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("parse configuration").
			WithResource(resolvedPath).
			WithSuggestion("Check WINEYARD_* environment variables for malformed values").
			Wrap(err).
			BuildError()
	}
	cfg.Runtime.Version = runtime.Version

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("Fix the reported field in the config file or environment").
			Wrap(err).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}

	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("%s: file size %d bytes exceeds maximum %d bytes", path, len(data), maxFileSize)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err(), path)
	}

	// Config fields are optional, so only the shape is checked here.
	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return formatCUEError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config to path unless a file
// already exists there. It reports whether a file was written.
func CreateDefaultConfig(path string) (bool, error) {
	if fileExists(path) {
		return false, nil
	}
	if err := Save(path, DefaultConfig()); err != nil {
		return false, err
	}
	return true, nil
}

// Save writes cfg to path as CUE.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(GenerateCUE(cfg)), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateCUE generates a CUE representation of the configuration.
// The runtime version is omitted since it cannot be configured.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// Wineyard configuration file.\n")
	sb.WriteString("// Every field is optional; WINEYARD_<SECTION>_<KEY> environment variables override them.\n\n")

	sb.WriteString("cache: {\n")
	fmt.Fprintf(&sb, "\tdir:     %q\n", cfg.Cache.Dir)
	fmt.Fprintf(&sb, "\tmax_age: %q\n", cfg.Cache.MaxAge.String())
	sb.WriteString("}\n")

	sb.WriteString("\nfetch: {\n")
	fmt.Fprintf(&sb, "\ttimeout:    %q\n", cfg.Fetch.Timeout.String())
	fmt.Fprintf(&sb, "\tretries:    %d\n", cfg.Fetch.Retries)
	fmt.Fprintf(&sb, "\tuser_agent: %q\n", cfg.Fetch.UserAgent)
	sb.WriteString("}\n")

	sb.WriteString("\ndaemon: {\n")
	fmt.Fprintf(&sb, "\tsubscriber_buffer: %d\n", cfg.Daemon.SubscriberBuffer)
	fmt.Fprintf(&sb, "\tmetrics_addr:      %q\n", cfg.Daemon.MetricsAddr)
	fmt.Fprintf(&sb, "\twatch:             %v\n", cfg.Daemon.Watch)
	sb.WriteString("}\n")

	sb.WriteString("\nlog: {\n")
	fmt.Fprintf(&sb, "\tlevel: %q\n", string(cfg.Log.Level))
	sb.WriteString("}\n")

	return sb.String()
}
