package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kohtravel/agentd/internal/config"
	"github.com/kohtravel/agentd/internal/sessions"
)

// runMigrate applies, rolls back or reports the session store migrations.
func runMigrate(cmd *cobra.Command, configPath, action string, steps int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openMigrationStore(cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()

	migrator, err := sessions.NewMigrator(store.DB(), store.Dialect())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch action {
	case "up":
		applied, err := migrator.Up(ctx, steps)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(out, "no pending migrations")
		}
		for _, id := range applied {
			fmt.Fprintf(out, "applied %s\n", id)
		}
	case "down":
		reverted, err := migrator.Down(ctx, steps)
		if err != nil {
			return err
		}
		for _, id := range reverted {
			fmt.Fprintf(out, "rolled back %s\n", id)
		}
	case "status":
		applied, pending, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		for _, id := range applied {
			fmt.Fprintf(out, "applied  %s\n", id)
		}
		for _, id := range pending {
			fmt.Fprintf(out, "pending  %s\n", id)
		}
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
	return nil
}

func openMigrationStore(cfg config.SessionConfig) (*sessions.SQLStore, error) {
	pool := sessions.DefaultSQLConfig()
	pool.AutoMigrate = false
	switch cfg.Store {
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.SQLitePath, pool)
	case "postgres":
		return sessions.NewPostgresStore(cfg.PostgresDSN, pool)
	default:
		return nil, fmt.Errorf("session store %q has no migrations; use sqlite or postgres", cfg.Store)
	}
}
