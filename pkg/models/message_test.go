package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
			if !tt.constant.Valid() {
				t.Errorf("%q should be valid", tt.constant)
			}
		})
	}

	if Role("robot").Valid() {
		t.Error("unknown role should not be valid")
	}
}

func TestMessage_JSONShape(t *testing.T) {
	now := time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)
	msg := Message{
		ID:        "msg-1",
		SessionID: "session-1",
		Role:      RoleAssistant,
		Content:   "Looking that up",
		ToolCalls: []ToolCall{{ID: "call_1", Name: "search_documents", Input: json.RawMessage(`{"query":"flight"}`)}},
		CreatedAt: now,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["role"] != "assistant" {
		t.Errorf("role = %v, want assistant", decoded["role"])
	}
	if _, ok := decoded["tool_results"]; ok {
		t.Error("empty tool_results should be omitted")
	}
	calls, ok := decoded["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("tool_calls = %v, want one call", decoded["tool_calls"])
	}
}

func TestToolResult_ModelContent(t *testing.T) {
	tests := []struct {
		name   string
		result ToolResult
		want   string
	}{
		{
			name:   "json string content is unquoted",
			result: ToolResult{Success: true, Content: json.RawMessage(`"Found 2 documents"`)},
			want:   "Found 2 documents",
		},
		{
			name:   "structured content is passed through",
			result: ToolResult{Success: true, Content: json.RawMessage(`{"flight":"TG 123"}`)},
			want:   `{"flight":"TG 123"}`,
		},
		{
			name:   "empty success",
			result: ToolResult{Success: true},
			want:   "",
		},
		{
			name:   "failure carries error and kind",
			result: ToolResult{Error: "boom", Kind: "ToolExecutionFailed"},
			want:   `{"error":"boom","kind":"ToolExecutionFailed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.ModelContent(); got != tt.want {
				t.Errorf("ModelContent() = %q, want %q", got, tt.want)
			}
		})
	}
}
