package providers

import (
	"errors"
	"testing"

	"github.com/kohtravel/agentd/internal/agent"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "anthropic", cfg: Config{Name: "anthropic", APIKey: "k"}, want: "anthropic"},
		{name: "openai", cfg: Config{Name: "OpenAI", APIKey: "k"}, want: "openai"},
		{name: "gemini alias", cfg: Config{Name: "gemini", APIKey: "k"}, want: "google"},
		{name: "bedrock", cfg: Config{Name: "bedrock", Region: "eu-west-1", AccessKeyID: "a", SecretAccessKey: "b"}, want: "bedrock"},
		{name: "missing key", cfg: Config{Name: "anthropic"}, wantErr: true},
		{name: "unknown", cfg: Config{Name: "mystery"}, wantErr: true},
		{name: "empty", cfg: Config{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got provider %v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.want)
			}
		})
	}

	if _, err := New(Config{Name: "mystery"}); !errors.Is(err, agent.ErrNoProvider) {
		t.Errorf("unknown provider error = %v, want ErrNoProvider", err)
	}
}
