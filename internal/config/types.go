// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/an-anime-team/wineyard/internal/event"
	"github.com/an-anime-team/wineyard/internal/runtime"
)

const (
	// LogLevelDebug logs everything.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the default level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn logs warnings and errors.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError logs errors only.
	LogLevelError LogLevel = "error"
)

var (
	// ErrInvalidLogLevel is returned when a LogLevel value is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// LogLevel is the minimum level written by the logger.
	LogLevel string

	// Duration is a time.Duration written as a Go duration string ("30s").
	Duration time.Duration

	// InvalidConfigError reports a field that fails validation after
	// defaults, file and environment have been merged.
	InvalidConfigError struct {
		Field string
		Err   error
	}

	// Config holds the application configuration.
	Config struct {
		Cache   CacheConfig   `json:"cache" mapstructure:"cache" yaml:"cache"`
		Fetch   FetchConfig   `json:"fetch" mapstructure:"fetch" yaml:"fetch"`
		Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime" yaml:"runtime"`
		Daemon  DaemonConfig  `json:"daemon" mapstructure:"daemon" yaml:"daemon"`
		Log     LogConfig     `json:"log" mapstructure:"log" yaml:"log"`
	}

	// CacheConfig configures the content store.
	CacheConfig struct {
		// Dir is the store root.
		Dir string `json:"dir" mapstructure:"dir" yaml:"dir"`
		// MaxAge is the idle time after which unreferenced entries are collected.
		MaxAge Duration `json:"max_age" mapstructure:"max_age" yaml:"max_age"`
	}

	// FetchConfig configures remote fetchers.
	FetchConfig struct {
		Timeout   Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
		Retries   int      `json:"retries" mapstructure:"retries" yaml:"retries"`
		UserAgent string   `json:"user_agent" mapstructure:"user_agent" yaml:"user_agent"`
	}

	// RuntimeConfig describes the module runtime. It is reported, not set.
	RuntimeConfig struct {
		Version uint32 `json:"version" mapstructure:"version" yaml:"version"`
	}

	// DaemonConfig configures the daemon.
	DaemonConfig struct {
		SubscriberBuffer int    `json:"subscriber_buffer" mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
		MetricsAddr      string `json:"metrics_addr" mapstructure:"metrics_addr" yaml:"metrics_addr"`
		Watch            bool   `json:"watch" mapstructure:"watch" yaml:"watch"`
	}

	// LogConfig configures logging.
	LogConfig struct {
		Level LogLevel `json:"level" mapstructure:"level" yaml:"level"`
	}
)

// String returns the duration in Go notation.
func (d Duration) String() string { return time.Duration(d).String() }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Validate returns an error if the level is not recognized.
func (l LogLevel) Validate() error {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return nil
	default:
		return fmt.Errorf("%w: %q (expected debug, info, warn or error)", ErrInvalidLogLevel, string(l))
	}
}

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %v", e.Field, e.Err)
}

// Unwrap returns ErrInvalidConfig and the field error.
func (e *InvalidConfigError) Unwrap() []error { return []error{ErrInvalidConfig, e.Err} }

// Validate checks the constraints the schema cannot express, and those of
// values that came from the environment and never passed the schema.
func (c *Config) Validate() error {
	if err := c.Log.Level.Validate(); err != nil {
		return &InvalidConfigError{Field: "log.level", Err: err}
	}
	if c.Cache.Dir == "" {
		return &InvalidConfigError{Field: "cache.dir", Err: errors.New("must not be empty")}
	}
	if c.Cache.MaxAge < 0 {
		return &InvalidConfigError{Field: "cache.max_age", Err: errors.New("must not be negative")}
	}
	if c.Fetch.Timeout <= 0 {
		return &InvalidConfigError{Field: "fetch.timeout", Err: errors.New("must be positive")}
	}
	if c.Fetch.Retries < 0 {
		return &InvalidConfigError{Field: "fetch.retries", Err: errors.New("must not be negative")}
	}
	if c.Daemon.SubscriberBuffer < 1 {
		return &InvalidConfigError{Field: "daemon.subscriber_buffer", Err: errors.New("must be at least 1")}
	}
	return nil
}

// DefaultCacheDir returns <user cache dir>/wineyard, falling back to the
// system temporary directory.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, AppName)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:    DefaultCacheDir(),
			MaxAge: Duration(30 * 24 * time.Hour),
		},
		Fetch: FetchConfig{
			Timeout:   Duration(5 * time.Minute),
			Retries:   3,
			UserAgent: AppName,
		},
		Runtime: RuntimeConfig{Version: runtime.Version},
		Daemon: DaemonConfig{
			SubscriberBuffer: event.DefaultBuffer,
		},
		Log: LogConfig{Level: LogLevelInfo},
	}
}
