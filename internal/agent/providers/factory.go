package providers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kohtravel/agentd/internal/agent"
)

// Config selects and configures one vendor adapter.
type Config struct {
	// Name is one of "anthropic", "openai", "google" or "bedrock".
	Name string

	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int

	// Bedrock only.
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	HTTPClient *http.Client
}

// Names lists the supported provider names.
func Names() []string {
	return []string{"anthropic", "openai", "google", "bedrock"}
}

// New builds the adapter named by cfg.Name.
func New(cfg Config) (agent.LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			DefaultModel:     cfg.DefaultModel,
			DefaultMaxTokens: cfg.MaxTokens,
			HTTPClient:       cfg.HTTPClient,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			DefaultModel:     cfg.DefaultModel,
			DefaultMaxTokens: cfg.MaxTokens,
			HTTPClient:       cfg.HTTPClient,
		})
	case "google", "gemini":
		return NewGoogleProvider(GoogleConfig{
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			DefaultModel:     cfg.DefaultModel,
			DefaultMaxTokens: cfg.MaxTokens,
			HTTPClient:       cfg.HTTPClient,
		})
	case "bedrock":
		return NewBedrockProvider(BedrockConfig{
			Region:           cfg.Region,
			AccessKeyID:      cfg.AccessKeyID,
			SecretAccessKey:  cfg.SecretAccessKey,
			SessionToken:     cfg.SessionToken,
			DefaultModel:     cfg.DefaultModel,
			DefaultMaxTokens: cfg.MaxTokens,
			BaseEndpoint:     cfg.BaseURL,
			HTTPClient:       cfg.HTTPClient,
		})
	case "":
		return nil, fmt.Errorf("%w: provider name is required", agent.ErrNoProvider)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: %s)",
			agent.ErrNoProvider, cfg.Name, strings.Join(Names(), ", "))
	}
}
