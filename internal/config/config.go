// Package config holds the layered configuration for the gateway binaries.
// Values are resolved in order: built-in defaults, config file, environment,
// command line flags, positional arguments.
package config

import (
	"os"
	"strings"
)

// GetEnv returns the environment value for key or def when unset.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
