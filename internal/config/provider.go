// SPDX-License-Identifier: MPL-2.0

package config

import "context"

type (
	// LoadOptions defines explicit configuration loading inputs.
	LoadOptions struct {
		// ConfigFilePath forces loading from a specific config file when set.
		ConfigFilePath string
		// ConfigDirPath overrides the config directory lookup when set.
		ConfigDirPath string
	}

	// Provider loads configuration from explicit options.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
	}

	fileProvider struct{}

	staticProvider struct {
		cfg *Config
	}
)

// NewProvider creates a configuration provider backed by the config file
// and the environment.
func NewProvider() Provider {
	return &fileProvider{}
}

// NewStaticProvider returns a provider that always yields a copy of cfg,
// ignoring files and the environment.
func NewStaticProvider(cfg *Config) Provider {
	return &staticProvider{cfg: cfg}
}

// Load reads configuration from the requested source.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, _, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load implements Provider.
func (p *staticProvider) Load(ctx context.Context, _ LoadOptions) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := *p.cfg
	return &cfg, nil
}
