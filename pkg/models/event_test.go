package models

import (
	"encoding/json"
	"testing"
	"time"
)

func decodeEvent(t *testing.T, e *Event) map[string]any {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return out
}

func TestEvent_WireShape(t *testing.T) {
	tests := []struct {
		name     string
		event    *Event
		wantType string
		check    func(t *testing.T, data map[string]any)
	}{
		{
			name:     "content",
			event:    NewContentEvent("Hello"),
			wantType: "content",
			check: func(t *testing.T, data map[string]any) {
				if data["content"] != "Hello" {
					t.Errorf("content = %v", data["content"])
				}
			},
		},
		{
			name:     "tool_call",
			event:    NewToolCallEvent(ToolCall{ID: "call_1", Name: "get_document", Input: json.RawMessage(`{"document_id":"doc_1"}`)}),
			wantType: "tool_call",
			check: func(t *testing.T, data map[string]any) {
				if data["name"] != "get_document" || data["call_id"] != "call_1" {
					t.Errorf("data = %v", data)
				}
				args, ok := data["arguments"].(map[string]any)
				if !ok || args["document_id"] != "doc_1" {
					t.Errorf("arguments = %v", data["arguments"])
				}
			},
		},
		{
			name:     "tool_call without input",
			event:    NewToolCallEvent(ToolCall{ID: "call_2", Name: "travel_summary"}),
			wantType: "tool_call",
			check: func(t *testing.T, data map[string]any) {
				if _, ok := data["arguments"].(map[string]any); !ok {
					t.Errorf("arguments = %v, want empty object", data["arguments"])
				}
			},
		},
		{
			name:     "tool_result success",
			event:    NewToolResultEvent(ToolResult{ToolCallID: "call_1", Success: true, Content: json.RawMessage(`"ok"`)}),
			wantType: "tool_result",
			check: func(t *testing.T, data map[string]any) {
				if data["success"] != true || data["content"] != "ok" {
					t.Errorf("data = %v", data)
				}
				if v, ok := data["error"]; !ok || v != nil {
					t.Errorf("error = %v, want explicit null", v)
				}
			},
		},
		{
			name:     "tool_result failure",
			event:    NewToolResultEvent(ToolResult{ToolCallID: "call_1", Error: "unknown tool: nope", Kind: "UnknownTool"}),
			wantType: "tool_result",
			check: func(t *testing.T, data map[string]any) {
				if data["success"] != false || data["error"] != "unknown tool: nope" {
					t.Errorf("data = %v", data)
				}
				if v, ok := data["content"]; !ok || v != nil {
					t.Errorf("content = %v, want explicit null", v)
				}
			},
		},
		{
			name:     "error",
			event:    NewErrorEvent("provider unavailable", "ProviderUnavailable"),
			wantType: "error",
			check: func(t *testing.T, data map[string]any) {
				if data["kind"] != "ProviderUnavailable" {
					t.Errorf("kind = %v", data["kind"])
				}
			},
		},
		{
			name:     "done",
			event:    NewDoneEvent(),
			wantType: "done",
			check: func(t *testing.T, data map[string]any) {
				if len(data) != 0 {
					t.Errorf("done data = %v, want {}", data)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := decodeEvent(t, tt.event)
			if out["type"] != tt.wantType {
				t.Fatalf("type = %v, want %s", out["type"], tt.wantType)
			}
			ts, ok := out["timestamp"].(string)
			if !ok {
				t.Fatalf("timestamp missing: %v", out)
			}
			if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
				t.Errorf("timestamp %q is not ISO-8601: %v", ts, err)
			}
			data, ok := out["data"].(map[string]any)
			if !ok {
				t.Fatalf("data is not an object: %v", out["data"])
			}
			tt.check(t, data)
		})
	}
}

func TestEvent_IsTerminal(t *testing.T) {
	if !NewDoneEvent().IsTerminal() {
		t.Error("done should be terminal")
	}
	if NewErrorEvent("x", "Timeout").IsTerminal() {
		t.Error("error is followed by done and is not terminal")
	}
	var nilEvent *Event
	if nilEvent.IsTerminal() {
		t.Error("nil event should not be terminal")
	}
}
