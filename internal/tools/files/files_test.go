package files

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/pkg/models"
)

func TestResolver(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()

	tests := []struct {
		name    string
		roots   []string
		path    string
		wantErr error
	}{
		{name: "relative inside", roots: []string{root}, path: "notes.txt"},
		{name: "absolute in second root", roots: []string{root, other}, path: filepath.Join(other, "a.txt")},
		{name: "escape", roots: []string{root}, path: "../outside.txt", wantErr: ErrPathNotAllowed},
		{name: "absolute outside", roots: []string{root}, path: "/etc/passwd", wantErr: ErrPathNotAllowed},
		{name: "no roots", path: "notes.txt", wantErr: ErrPathNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolver{Roots: tt.roots}.Resolve(tt.path)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := (Resolver{Roots: []string{root}}).Resolve("  "); err == nil {
		t.Error("expected error for blank path")
	}
}

func TestResolverRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := (Resolver{Roots: []string{root}}).Resolve("link.txt"); !errors.Is(err, ErrPathNotAllowed) {
		t.Errorf("err = %v, want ErrPathNotAllowed", err)
	}
}

func TestReadTool(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "itinerary.txt"), []byte("Day 1: Bangkok\nDay 2: Phuket ทะเล"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "short.txt"), []byte("Day 1"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o700); err != nil {
		t.Fatal(err)
	}
	tool := NewReadTool(Config{AllowedPaths: []string{root}, MaxChars: 30})

	tests := []struct {
		name      string
		params    string
		want      string
		truncated bool
		wantErr   string
	}{
		{name: "whole file", params: `{"path":"short.txt","max_chars":100}`, want: "Day 1"},
		{name: "config cap", params: `{"path":"itinerary.txt"}`, want: "Day 1: Bangkok\nDay 2: Phuket ท", truncated: true},
		{name: "call limit", params: `{"path":"itinerary.txt","max_chars":5}`, want: "Day 1", truncated: true},
		{name: "missing", params: `{"path":"nope.txt"}`, wantErr: "file not found"},
		{name: "directory", params: `{"path":"dir"}`, wantErr: "not a file"},
		{name: "outside", params: `{"path":"../x"}`, wantErr: "not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tool.Execute(context.Background(), json.RawMessage(tt.params), agent.ContextBundle{})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out.Content != tt.want {
				t.Errorf("content = %q, want %q", out.Content, tt.want)
			}
			if out.Metadata["truncated"] != tt.truncated {
				t.Errorf("truncated = %v, want %v", out.Metadata["truncated"], tt.truncated)
			}
		})
	}
}

func TestReadTool_Registered(t *testing.T) {
	registry := agent.NewToolRegistry()
	if err := registry.Register(NewReadTool(Config{})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec := agent.NewExecutor(registry, nil)
	outcome := exec.Execute(context.Background(), modelsCall(`{}`), agent.ContextBundle{}, 0)
	if outcome.Kind != agent.KindInvalidArguments {
		t.Errorf("kind = %v, want InvalidArguments for a missing path", outcome.Kind)
	}
	outcome = exec.Execute(context.Background(), modelsCall(`{"path":"/etc/hosts"}`), agent.ContextBundle{}, 0)
	if outcome.Kind != agent.KindToolExecutionFailed || !strings.Contains(outcome.Error, "not allowed") {
		t.Errorf("outcome = %+v, want denied read", outcome)
	}
}

func modelsCall(input string) models.ToolCall {
	return models.ToolCall{ID: "call_1", Name: "read_file", Input: json.RawMessage(input)}
}
