package config

import (
	"github.com/caarlos0/env/v11"
)

// parseEnv overlays EXPANSE_* environment variables. Unset variables leave
// the current value untouched. A malformed value panics, like a bad JSON file.
func parseEnv(config *Config) {
	if err := env.Parse(config); err != nil {
		panic(err)
	}
}
