package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kohtravel/agentd/internal/config"
)

// runToolsList prints the tools each configured agent advertises, after
// discovery against the collaborator.
func runToolsList(cmd *cobra.Command, configPath, project string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return listTools(cmd, cfg, strings.ToLower(strings.TrimSpace(project)), logger)
}

func listTools(cmd *cobra.Command, cfg *config.Config, project string, logger *slog.Logger) error {
	sets := newToolsets(cfg, logger)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	found := false
	for _, ac := range cfg.Agents {
		if project != "" && ac.Project != project {
			continue
		}
		found = true
		set, err := sets.get(cmd.Context(), ac.ToolsURL)
		if err != nil {
			return err
		}
		registry, err := selectTools(set.registry, ac.Tools, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s (project %s, %d tools)\n", ac.Name, ac.Project, registry.Len())
		for _, info := range registry.Describe() {
			fmt.Fprintf(w, "  %s\t%s\n", info.Name, firstLine(info.Description))
		}
	}
	if !found {
		return fmt.Errorf("no agent configured for project %q", project)
	}
	return w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
