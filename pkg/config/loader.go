package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration from the given
// directory. A missing council.yaml is not an error; the defaults apply.
// This is the primary entry point for configuration loading.
func Initialize(dir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(dir, "council.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("No council.yaml found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		var user Config
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		// User values win; defaults fill the gaps.
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
		slog.Info("Loaded configuration", "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural invariants and the per-purpose model minimums
// for the global default set. Company overrides are validated lazily by the
// registry at resolve time because an override replaces only the purposes
// it names.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("%w: gateway.base_url is required", ErrInvalidConfig)
	}
	if c.Deliberation.WorkerCap <= 0 {
		return fmt.Errorf("%w: deliberation.worker_cap must be positive", ErrInvalidConfig)
	}
	if widest := c.Models.WidestStage(); c.Deliberation.WorkerCap < widest {
		return fmt.Errorf("%w: deliberation.worker_cap %d cannot admit the widest configured stage (%d models)",
			ErrInvalidConfig, c.Deliberation.WorkerCap, widest)
	}
	if c.Deliberation.MinDone <= 0 {
		return fmt.Errorf("%w: deliberation.min_done must be positive", ErrInvalidConfig)
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("%w: events.buffer_size must be positive", ErrInvalidConfig)
	}
	if c.Context.MaxBundleBytes < c.Context.MaxFragmentBytes {
		return fmt.Errorf("%w: context.max_bundle_bytes must be >= max_fragment_bytes", ErrInvalidConfig)
	}

	for _, p := range []Purpose{PurposeStage1, PurposeStage2, PurposeStage3} {
		if got, want := len(c.Models.Defaults.ForPurpose(p)), p.MinimumChoices(); got < want {
			return fmt.Errorf("%w: purpose %s has %d default models, need at least %d",
				ErrConfigIncomplete, p, got, want)
		}
	}
	return nil
}
