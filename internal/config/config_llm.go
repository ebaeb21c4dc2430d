package config

import (
	"fmt"
	"strings"
)

// LLMConfig selects the vendor adapter shared by every agent.
type LLMConfig struct {
	// Provider is one of anthropic, openai, google or bedrock.
	Provider    string   `yaml:"provider" jsonschema:"enum=anthropic,enum=openai,enum=google,enum=bedrock"`
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`

	Anthropic LLMProviderConfig `yaml:"anthropic"`
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Google    LLMProviderConfig `yaml:"google"`
	Bedrock   BedrockConfig     `yaml:"bedrock"`
}

type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// BedrockConfig configures the AWS Bedrock Converse adapter. Empty
// credentials fall back to the default AWS chain.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	Endpoint        string `yaml:"endpoint"`
}

// Active returns the api key and base url of the selected provider.
func (c LLMConfig) Active() LLMProviderConfig {
	switch c.Provider {
	case "openai":
		return c.OpenAI
	case "google":
		return c.Google
	case "bedrock":
		return LLMProviderConfig{BaseURL: c.Bedrock.Endpoint}
	default:
		return c.Anthropic
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.Provider == "gemini" {
		cfg.Provider = "google"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	cfg.Anthropic.APIKey = envOr(cfg.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	cfg.OpenAI.APIKey = envOr(cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	cfg.Google.APIKey = envOr(cfg.Google.APIKey, "GOOGLE_API_KEY", "GEMINI_API_KEY")
	cfg.Bedrock.Region = envOr(cfg.Bedrock.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
}

func llmIssues(cfg *LLMConfig) []string {
	var issues []string
	switch cfg.Provider {
	case "anthropic":
		key := strings.TrimSpace(cfg.Anthropic.APIKey)
		if key == "" {
			issues = append(issues, "llm.anthropic.api_key is required")
		} else if !strings.HasPrefix(key, "sk-") {
			issues = append(issues, "llm.anthropic.api_key must start with \"sk-\"")
		}
	case "openai":
		if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
			issues = append(issues, "llm.openai.api_key is required")
		}
	case "google":
		if strings.TrimSpace(cfg.Google.APIKey) == "" {
			issues = append(issues, "llm.google.api_key is required")
		}
	case "bedrock":
		if (cfg.Bedrock.AccessKeyID == "") != (cfg.Bedrock.SecretAccessKey == "") {
			issues = append(issues, "llm.bedrock.access_key_id and secret_access_key must be set together")
		}
	default:
		issues = append(issues, fmt.Sprintf("llm.provider %q must be one of anthropic, openai, google, bedrock", cfg.Provider))
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
		issues = append(issues, "llm.temperature must be between 0 and 2")
	}
	return issues
}
