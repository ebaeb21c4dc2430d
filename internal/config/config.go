// Package config loads the agentd configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the main configuration structure for agentd.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	LLM       LLMConfig       `yaml:"llm"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Session   SessionConfig   `yaml:"session"`
	Tools     ToolsConfig     `yaml:"tools"`
	Agents    []AgentConfig   `yaml:"agents"`
	Files     FilesConfig     `yaml:"files"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ConfigValidationError collects every problem found in a configuration.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated-shape configuration with every default
// applied, as used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	applyServerDefaults(&cfg.Server)
	applyAuthDefaults(&cfg.Auth)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyLLMDefaults(&cfg.LLM)
	applyRuntimeDefaults(&cfg.Runtime)
	applySessionDefaults(&cfg.Session)
	applyToolsDefaults(&cfg.Tools)
	applyAgentDefaults(cfg)
	if cfg.Files.MaxChars <= 0 {
		cfg.Files.MaxChars = 10000
	}
	applyObservabilityDefaults(cfg)
}

func validateConfig(cfg *Config) error {
	var issues []string
	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}
	issues = append(issues, serverIssues(&cfg.Server)...)
	issues = append(issues, authIssues(&cfg.Auth)...)
	issues = append(issues, llmIssues(&cfg.LLM)...)
	issues = append(issues, runtimeIssues(&cfg.Runtime)...)
	issues = append(issues, sessionIssues(&cfg.Session)...)
	issues = append(issues, agentIssues(cfg.Agents)...)
	issues = append(issues, observabilityIssues(cfg)...)
	for i, p := range cfg.Files.AllowedPaths {
		if strings.TrimSpace(p) == "" {
			issues = append(issues, fmt.Sprintf("files.allowed_paths[%d] is empty", i))
		}
	}
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// Validate applies defaults and reports every problem in cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ConfigValidationError{Issues: []string{"config is nil"}}
	}
	applyDefaults(cfg)
	return validateConfig(cfg)
}

func envOr(value string, keys ...string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return value
}

func nonPositive(d time.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
