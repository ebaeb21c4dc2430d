package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSystemPrompt is used by agents that configure no prompt, and when
// a prompt file cannot be read.
const DefaultSystemPrompt = "You are a helpful travel assistant for KohTravel users. " +
	"You help users understand and organize their travel documents."

// DefaultContextKeys are the context bundle keys formatted into the prompt
// when an agent does not list its own.
var DefaultContextKeys = []string{"user_name", "user_email", "timezone", "current_page", "trip_id"}

// ToolsConfig configures the KohTravel tool collaborator.
type ToolsConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	DiscoveryTTL time.Duration `yaml:"discovery_ttl"`

	// SummaryTTL caches the per-user travel summary placed in the prompt.
	// Zero turns the summary off.
	SummaryTTL time.Duration `yaml:"summary_ttl"`

	// Calendar enables the export_calendar tool.
	Calendar bool `yaml:"calendar"`
}

// AgentConfig is one agent, served for one project.
type AgentConfig struct {
	Name             string `yaml:"name"`
	Project          string `yaml:"project"`
	Description      string `yaml:"description"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`

	// Tools restricts the agent to the named tools. Empty means every tool.
	Tools []string `yaml:"tools"`

	// ToolsURL overrides tools.url for this agent.
	ToolsURL    string   `yaml:"tools_url"`
	ContextKeys []string `yaml:"context_keys"`

	// Model overrides llm.model for this agent.
	Model string `yaml:"model"`
}

// FilesConfig configures the read_file tool. With no allowed paths every
// read is refused.
type FilesConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedPaths []string `yaml:"allowed_paths"`
	MaxChars     int      `yaml:"max_chars"`
}

func applyToolsDefaults(cfg *ToolsConfig) {
	cfg.URL = envOr(cfg.URL, "KOHTRAVEL_TOOLS_URL")
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8000/api/agent/tools"
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	cfg.Timeout = nonPositive(cfg.Timeout, 30*time.Second)
	cfg.DiscoveryTTL = nonPositive(cfg.DiscoveryTTL, 5*time.Minute)
}

func applyAgentDefaults(cfg *Config) {
	if len(cfg.Agents) == 0 {
		cfg.Agents = []AgentConfig{{
			Name:        "kohtravel-agent",
			Project:     "kohtravel",
			Description: "Travel document assistant for KohTravel",
		}}
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		a.Project = strings.ToLower(strings.TrimSpace(a.Project))
		if a.Project == "" && a.Name != "" && i == 0 {
			a.Project = "kohtravel"
		}
		if a.SystemPrompt == "" && a.SystemPromptFile == "" {
			a.SystemPrompt = DefaultSystemPrompt
		}
		if a.ContextKeys == nil {
			a.ContextKeys = append([]string(nil), DefaultContextKeys...)
		}
		if a.ToolsURL == "" {
			a.ToolsURL = cfg.Tools.URL
		}
		a.ToolsURL = strings.TrimRight(a.ToolsURL, "/")
	}
}

func agentIssues(agents []AgentConfig) []string {
	var issues []string
	projects := map[string]int{}
	names := map[string]int{}
	for i, a := range agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a.Name == "" {
			issues = append(issues, field+".name is required")
		} else if j, ok := names[a.Name]; ok {
			issues = append(issues, fmt.Sprintf("%s.name %q duplicates agents[%d]", field, a.Name, j))
		} else {
			names[a.Name] = i
		}
		if a.Project == "" {
			issues = append(issues, field+".project is required")
		} else if j, ok := projects[a.Project]; ok {
			issues = append(issues, fmt.Sprintf("%s.project %q duplicates agents[%d]", field, a.Project, j))
		} else {
			projects[a.Project] = i
		}
		if a.SystemPrompt != "" && a.SystemPromptFile != "" {
			issues = append(issues, field+" sets both system_prompt and system_prompt_file")
		}
		for j, tool := range a.Tools {
			if strings.TrimSpace(tool) == "" {
				issues = append(issues, fmt.Sprintf("%s.tools[%d] is empty", field, j))
			}
		}
	}
	return issues
}
