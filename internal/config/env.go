package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ApplyEnv overlays environment variables onto cfg using the `env` struct
// tags. Unset variables leave the current value in place.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}
