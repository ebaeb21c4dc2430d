package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
llm:
  provider: anthropic
  anthropic:
    api_key: sk-ant-test
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8001 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Runtime.MaxRounds != 10 || cfg.Runtime.TurnTimeout != 120*time.Second {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if *cfg.Runtime.ProviderRetries != 2 {
		t.Errorf("provider_retries = %d", *cfg.Runtime.ProviderRetries)
	}
	if cfg.Runtime.History.MaxMessages != 50 || cfg.Runtime.History.MaxChars != 120000 {
		t.Errorf("history = %+v", cfg.Runtime.History)
	}
	if cfg.Session.Store != "memory" || cfg.Session.IdleTTL != time.Hour || cfg.Session.Locker != "local" {
		t.Errorf("session = %+v", cfg.Session)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Project != "kohtravel" || cfg.Agents[0].SystemPrompt != DefaultSystemPrompt {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if cfg.Agents[0].ToolsURL != "http://localhost:8000/api/agent/tools" {
		t.Errorf("tools_url = %q", cfg.Agents[0].ToolsURL)
	}
	if cfg.Files.MaxChars != 10000 {
		t.Errorf("files.max_chars = %d", cfg.Files.MaxChars)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, minimal+`
server:
  host: 0.0.0.0
  extra: true
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "extra") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, minimal+"---\nserver: {port: 9000}\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "single document") {
		t.Fatalf("expected single document error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   []string
	}{
		{
			name: "anthropic key prefix",
			config: `
llm:
  anthropic: {api_key: not-a-key}
`,
			want: []string{`must start with "sk-"`},
		},
		{
			name: "unknown provider",
			config: `
llm:
  provider: mistral
`,
			want: []string{"llm.provider"},
		},
		{
			name: "postgres without dsn",
			config: minimal + `
session:
  store: postgres
  locker: db
`,
			want: []string{"postgres_dsn"},
		},
		{
			name: "db locker on sqlite",
			config: minimal + `
session:
  store: sqlite
  locker: db
`,
			want: []string{"requires the postgres store"},
		},
		{
			name: "bad schedule",
			config: minimal + `
session:
  sweep_schedule: every tuesday
`,
			want: []string{"sweep_schedule"},
		},
		{
			name: "duplicate projects and both prompts",
			config: minimal + `
agents:
  - name: a
    project: kohtravel
  - name: b
    project: KohTravel
    system_prompt: hi
    system_prompt_file: prompt.md
`,
			want: []string{`project "kohtravel" duplicates`, "both system_prompt and system_prompt_file"},
		},
		{
			name: "auth without credentials",
			config: minimal + `
auth:
  enabled: true
`,
			want: []string{"auth.enabled requires"},
		},
		{
			name: "collects every problem",
			config: `
llm:
  provider: openai
server:
  port: 70000
logging:
  level: loud
`,
			want: []string{"llm.openai.api_key", "server.port", "logging.level"},
		},
	}
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DATABASE_URL", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			var verr *ConfigValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ConfigValidationError, got %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
			if len(verr.Issues) < len(tt.want) {
				t.Errorf("issues = %v", verr.Issues)
			}
		})
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("AGENTD_TEST_KEY", "sk-ant-from-env")
	t.Setenv("AGENTD_TEST_PORT", "")
	path := writeConfig(t, `
llm:
  anthropic:
    api_key: ${AGENTD_TEST_KEY}
server:
  port: ${AGENTD_TEST_PORT:-9100}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("api_key = %q", cfg.LLM.Anthropic.APIKey)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadProviderKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "openai-env")
	cfg, err := Load(writeConfig(t, "llm: {provider: openai, model: gpt-4o}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Active().APIKey; got != "openai-env" {
		t.Errorf("active api key = %q", got)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
server:
  port: 9000
  cors_origins: ["https://kohtravel.app"]
runtime:
  max_rounds: 4
`)
	writeFile(t, filepath.Join(dir, "agents.json5"), `{
  // JSON5 include
  agents: [{name: "trips", project: "kohtravel", tools: ["search_documents"]}],
}`)
	main := filepath.Join(dir, "agentd.yaml")
	writeFile(t, main, `
$include: [base.yaml, agents.json5]
llm:
  anthropic: {api_key: sk-ant-test}
server:
  port: 9001
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("including file should win, port = %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Runtime.MaxRounds != 4 {
		t.Errorf("included values lost: %+v %+v", cfg.Server, cfg.Runtime)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "trips" || cfg.Agents[0].Tools[0] != "search_documents" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")
	if _, err := Load(filepath.Join(dir, "a.yaml")); !errors.Is(err, ErrIncludeCycle) {
		t.Fatalf("expected include cycle, got %v", err)
	}
}

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("current version: %v", err)
	}
	_, err := Load(writeConfig(t, minimal+"version: 2\n"))
	if err == nil || !strings.Contains(err.Error(), "newer than this build") {
		t.Fatalf("expected newer version error, got %v", err)
	}
	var ve *VersionError
	if e := ValidateVersion(-1); !errors.As(e, &ve) || ve.Error() == "" {
		t.Fatalf("negative version: %v", e)
	}
	var nilVersion *VersionError
	if nilVersion.Error() != "" {
		t.Fatal("nil VersionError should format as empty")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, want := range []string{`"rate_limit"`, `"system_prompt_file"`, `"postgres_dsn"`, "Go duration"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	writeFile(t, path, content)
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
