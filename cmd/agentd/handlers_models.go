package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kohtravel/agentd/internal/agent/providers"
)

func runModelsList(cmd *cobra.Command, configPath string, vendors []string, endpoint string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	bedrock := cfg.LLM.Bedrock
	models, err := providers.ListBedrockModels(cmd.Context(), providers.BedrockConfig{
		Region:          bedrock.Region,
		AccessKeyID:     bedrock.AccessKeyID,
		SecretAccessKey: bedrock.SecretAccessKey,
		SessionToken:    bedrock.SessionToken,
		BaseEndpoint:    endpoint,
	}, vendors...)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no streaming models in %s\n", bedrock.Region)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROVIDER\tTOOLS")
	for _, m := range models {
		tools := "-"
		if m.ToolUse {
			tools = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Provider, tools)
	}
	return w.Flush()
}
