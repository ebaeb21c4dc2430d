package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RuntimeConfig bounds turns and tool execution.
type RuntimeConfig struct {
	MaxRounds       int           `yaml:"max_rounds"`
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ToolConcurrency int           `yaml:"tool_concurrency"`

	// ProviderRetries is the number of extra attempts for a round that failed
	// before producing output. Nil means 2; 0 disables retries.
	ProviderRetries *int `yaml:"provider_retries"`

	History      HistoryConfig            `yaml:"history"`
	ToolTimeouts map[string]time.Duration `yaml:"tool_timeouts"`
}

// HistoryConfig bounds the transcript window sent to the provider.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxChars    int `yaml:"max_chars"`
}

type SessionConfig struct {
	Store       string `yaml:"store" jsonschema:"enum=memory,enum=sqlite,enum=postgres"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// IdleTTL is how long a session may sit without a turn before the
	// sweeper removes it.
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`

	Locker  string        `yaml:"locker" jsonschema:"enum=local,enum=db"`
	OwnerID string        `yaml:"owner_id"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

func applyRuntimeDefaults(cfg *RuntimeConfig) {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	cfg.TurnTimeout = nonPositive(cfg.TurnTimeout, 120*time.Second)
	cfg.ToolTimeout = nonPositive(cfg.ToolTimeout, 30*time.Second)
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = 4
	}
	if cfg.ProviderRetries == nil {
		retries := 2
		cfg.ProviderRetries = &retries
	}
	if cfg.History.MaxMessages <= 0 {
		cfg.History.MaxMessages = 50
	}
	if cfg.History.MaxChars <= 0 {
		cfg.History.MaxChars = 120000
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if cfg.Store == "" {
		cfg.Store = "memory"
	}
	if cfg.Store == "sqlite" && cfg.SQLitePath == "" {
		cfg.SQLitePath = "agentd.db"
	}
	cfg.PostgresDSN = envOr(cfg.PostgresDSN, "DATABASE_URL")
	cfg.IdleTTL = nonPositive(cfg.IdleTTL, time.Hour)
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 10m"
	}
	cfg.Locker = strings.ToLower(strings.TrimSpace(cfg.Locker))
	if cfg.Locker == "" {
		cfg.Locker = "local"
	}
	cfg.LockTTL = nonPositive(cfg.LockTTL, 2*time.Minute)
}

func runtimeIssues(cfg *RuntimeConfig) []string {
	var issues []string
	if cfg.ProviderRetries != nil && *cfg.ProviderRetries < 0 {
		issues = append(issues, "runtime.provider_retries must not be negative")
	}
	for name, timeout := range cfg.ToolTimeouts {
		if timeout <= 0 {
			issues = append(issues, fmt.Sprintf("runtime.tool_timeouts.%s must be positive", name))
		}
	}
	if cfg.ToolTimeout > cfg.TurnTimeout {
		issues = append(issues, "runtime.tool_timeout must not exceed runtime.turn_timeout")
	}
	return issues
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func sessionIssues(cfg *SessionConfig) []string {
	var issues []string
	switch cfg.Store {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			issues = append(issues, "session.sqlite_path is required for the sqlite store")
		}
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			issues = append(issues, "session.postgres_dsn is required for the postgres store")
		}
	default:
		issues = append(issues, fmt.Sprintf("session.store %q must be one of memory, sqlite, postgres", cfg.Store))
	}
	switch cfg.Locker {
	case "local":
	case "db":
		if cfg.Store != "postgres" {
			issues = append(issues, "session.locker \"db\" requires the postgres store")
		}
	default:
		issues = append(issues, fmt.Sprintf("session.locker %q must be local or db", cfg.Locker))
	}
	if _, err := scheduleParser.Parse(cfg.SweepSchedule); err != nil {
		issues = append(issues, fmt.Sprintf("session.sweep_schedule: %v", err))
	}
	return issues
}
