package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/kohtravel/agentd/internal/config"
	"github.com/kohtravel/agentd/internal/observability"
)

const defaultConfigName = "agentd.yaml"

// resolveConfigPath picks the flag, then AGENTD_CONFIG, then agentd.yaml.
// explicit reports whether the caller named a file.
func resolveConfigPath(path string) (string, bool) {
	if p := strings.TrimSpace(path); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv("AGENTD_CONFIG")); p != "" {
		return p, true
	}
	return defaultConfigName, false
}

// loadConfig loads the configuration. When no file was named and
// agentd.yaml does not exist, defaults plus environment are used.
func loadConfig(path string) (*config.Config, error) {
	resolved, explicit := resolveConfigPath(path)
	if !explicit {
		if _, err := os.Stat(resolved); errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found, using defaults", "path", resolved)
			cfg := config.Default()
			if err := config.Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		Output:         os.Stderr,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
}
