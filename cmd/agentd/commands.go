package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the agent server.
func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent HTTP server",
		Long: `Start the agent HTTP server with every configured agent.

The server will:
1. Load and validate the configuration
2. Open the session store and start the idle session sweeper
3. Discover the collaborator's tools for each agent
4. Serve SSE, WebSocket and admin endpoints

Prompt files are reloaded when they change. Graceful shutdown is handled on
SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  agentd serve

  # Start with a custom config and debug logging
  agentd serve --config /etc/agentd/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configFlag(cmd), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

type chatOptions struct {
	project   string
	sessionID string
	userID    string
	model     string
	context   map[string]string
}

// buildChatCmd creates the "chat" command that runs turns from the terminal.
func buildChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run a turn against the configured provider",
		Long: `Run a turn against the configured provider and stream the reply.

With a message argument one turn runs. Without one, messages are read from
stdin: line by line when stdin is a terminal, otherwise as a single message.
History is kept in memory for the life of the command.`,
		Example: `  agentd chat "Summarize my Bangkok hotel booking"
  echo "What documents am I missing?" | agentd chat --user u_123`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configFlag(cmd), opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project whose agent answers (default: first agent)")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Session id (default: generated)")
	cmd.Flags().StringVarP(&opts.userID, "user", "u", "cli", "User id passed to tools")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Override the configured model")
	cmd.Flags().StringToStringVar(&opts.context, "context", nil, "Context bundle values, e.g. --context timezone=Asia/Bangkok")
	return cmd
}

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools each agent advertises",
	}
	var project string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the tools of every agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, configFlag(cmd), project)
		},
	}
	list.Flags().StringVarP(&project, "project", "p", "", "Only list the agent of this project")
	cmd.AddCommand(list)
	return cmd
}

// buildModelsCmd creates the "models" command group.
func buildModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Discover models for the configured provider",
	}
	var (
		vendors  []string
		endpoint string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the Bedrock foundation models usable for streaming turns",
		Long: `List the active Bedrock foundation models of the configured region that
stream text. Region and credentials come from llm.bedrock, falling back to the
default AWS credential chain.`,
		Example: `  agentd models list --vendor anthropic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(cmd, configFlag(cmd), vendors, endpoint)
		},
	}
	list.Flags().StringSliceVar(&vendors, "vendor", nil, "Only list models of these vendors")
	list.Flags().StringVar(&endpoint, "endpoint", "", "Override the Bedrock control plane endpoint")
	cmd.AddCommand(list)
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate the configuration or print its schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, configFlag(cmd))
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}

// buildMigrateCmd creates the "migrate" command group for SQL session stores.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage session store migrations",
		Long:  "Apply or roll back the embedded migrations of the sqlite or postgres session store.",
	}
	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configFlag(cmd), "up", steps)
		},
	}
	up.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configFlag(cmd), "down", downSteps)
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "Number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configFlag(cmd), "status", 0)
		},
	}
	cmd.AddCommand(up, down, status)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentd %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}

func configFlag(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
