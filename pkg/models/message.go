// Package models provides the domain types shared by the agentd runtime,
// its stores and its transports.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is one turn of a conversation.
//
// A user message carries the raw input text; the caller's context bundle is
// recorded in Metadata under MetadataContextKey. An assistant message carries the
// accumulated text and any tool calls of its round. A tool message carries
// exactly one ToolResult.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MetadataContextKey is the user message metadata key holding the context bundle.
const MetadataContextKey = "context"

// MetadataSyntheticKey marks messages generated by the runtime rather than the
// model or the user (round guard notices, repaired tool results).
const MetadataSyntheticKey = "synthetic"

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of one tool call.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Success    bool            `json:"success"`
	Content    json.RawMessage `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
	Kind       string          `json:"kind,omitempty"`
}

// ModelContent renders the result as the text handed back to the model.
func (r ToolResult) ModelContent() string {
	if r.Success {
		if len(r.Content) == 0 {
			return ""
		}
		var s string
		if err := json.Unmarshal(r.Content, &s); err == nil {
			return s
		}
		return string(r.Content)
	}
	payload, err := json.Marshal(map[string]string{"error": r.Error, "kind": r.Kind})
	if err != nil {
		return r.Error
	}
	return string(payload)
}

// Session represents a conversation thread.
type Session struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id,omitempty"`
	Project      string         `json:"project,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
