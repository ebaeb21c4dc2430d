package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kohtravel/agentd/internal/config"
)

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		var verr *config.ConfigValidationError
		if errors.As(err, &verr) {
			out := cmd.ErrOrStderr()
			fmt.Fprintf(out, "config is invalid (%d problems):\n", len(verr.Issues))
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config ok: provider %s, %s session store, %d agent(s)\n",
		cfg.LLM.Provider, cfg.Session.Store, len(cfg.Agents))
	for _, a := range cfg.Agents {
		tools := "all tools"
		if len(a.Tools) > 0 {
			tools = fmt.Sprintf("%d tools", len(a.Tools))
		}
		fmt.Fprintf(out, "  %s: project %s, %s\n", a.Name, a.Project, tools)
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
