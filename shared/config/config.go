// Package config loads service configuration from environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Load fills target, a pointer to a struct with `env` tags, from the
// environment. Fields fall back to their `envDefault` tag.
func Load(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}
