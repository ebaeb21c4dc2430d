package config

import (
	"fmt"
	"strings"
	"time"
)

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// CORSOrigins lists allowed browser origins. "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// RateLimitConfig is a per-caller token bucket.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8001
	}
	cfg.ReadHeaderTimeout = nonPositive(cfg.ReadHeaderTimeout, 10*time.Second)
	cfg.ShutdownTimeout = nonPositive(cfg.ShutdownTimeout, 15*time.Second)
}

func applyAuthDefaults(cfg *AuthConfig) {
	cfg.TokenExpiry = nonPositive(cfg.TokenExpiry, 24*time.Hour)
	cfg.JWTSecret = envOr(cfg.JWTSecret, "AGENTD_JWT_SECRET")
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	cfg.IdleTTL = nonPositive(cfg.IdleTTL, 10*time.Minute)
}

func serverIssues(cfg *ServerConfig) []string {
	var issues []string
	if cfg.Port < 0 || cfg.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d is out of range", cfg.Port))
	}
	for i, origin := range cfg.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			issues = append(issues, fmt.Sprintf("server.cors_origins[%d] is empty", i))
			continue
		}
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			issues = append(issues, fmt.Sprintf("server.cors_origins[%d] %q must be \"*\" or an http(s) origin", i, origin))
		}
	}
	return issues
}

func authIssues(cfg *AuthConfig) []string {
	if !cfg.Enabled {
		return nil
	}
	var issues []string
	keys := 0
	for i, key := range cfg.APIKeys {
		if strings.TrimSpace(key) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d] is empty", i))
			continue
		}
		keys++
	}
	if keys == 0 && strings.TrimSpace(cfg.JWTSecret) == "" {
		issues = append(issues, "auth.enabled requires auth.api_keys or auth.jwt_secret")
	}
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" && len(secret) < 32 {
		issues = append(issues, "auth.jwt_secret must be at least 32 characters")
	}
	return issues
}
