package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/pkg/models"
	"google.golang.org/genai"
)

func newTestGoogle(t *testing.T, url string) *GoogleProvider {
	t.Helper()
	p, err := NewGoogleProvider(GoogleConfig{APIKey: "test-key", BaseURL: url})
	if err != nil {
		t.Fatalf("NewGoogleProvider: %v", err)
	}
	return p
}

func TestNewGoogleProvider(t *testing.T) {
	if _, err := NewGoogleProvider(GoogleConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
	p := newTestGoogle(t, "http://127.0.0.1:0")
	if p.Name() != "google" || p.defaultModel != defaultGoogleModel {
		t.Errorf("name=%q model=%q", p.Name(), p.defaultModel)
	}
}

func TestGoogleStream_TextAndFunctionCall(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK, dataEvents(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Checking "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"search_documents","args":{"query":"flights"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4}}`,
	))
	ch, err := newTestGoogle(t, srv.URL).Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	events := drainEvents(t, ch)

	if got := kinds(events); got != "text_delta,tool_call,finish" {
		t.Fatalf("events = %s", got)
	}
	call := events[1].ToolCall
	if !strings.HasPrefix(call.ID, "call_search_documents_") {
		t.Errorf("generated id = %q", call.ID)
	}
	if call.Name != "search_documents" || string(call.Input) != `{"query":"flights"}` {
		t.Errorf("call = %s %s", call.Name, call.Input)
	}
	fin := events[2]
	if fin.Reason != agent.FinishToolUse {
		t.Errorf("reason = %q, want tool_use", fin.Reason)
	}
	if fin.Usage.InputTokens != 9 || fin.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", fin.Usage)
	}
	if srv.requests() != 1 {
		t.Errorf("requests = %d", srv.requests())
	}
	body := srv.body(0)
	if _, ok := body["systemInstruction"]; !ok {
		t.Errorf("request has no systemInstruction: %v", body)
	}
}

func TestGoogleStream_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     string
		wantKind agent.ErrorKind
	}{
		{
			name:     "no finish reason",
			status:   http.StatusOK,
			body:     dataEvents(`{"candidates":[{"content":{"role":"model","parts":[{"text":"partial"}]}}]}`),
			want:     "text_delta,adapter_error",
			wantKind: agent.KindProtocolError,
		},
		{
			name:     "safety",
			status:   http.StatusOK,
			body:     dataEvents(`{"candidates":[{"finishReason":"SAFETY"}]}`),
			want:     "adapter_error",
			wantKind: agent.KindProviderRejected,
		},
		{
			name:     "prompt blocked",
			status:   http.StatusOK,
			body:     dataEvents(`{"promptFeedback":{"blockReason":"SAFETY"}}`),
			want:     "adapter_error",
			wantKind: agent.KindProviderRejected,
		},
		{
			name:     "invalid key",
			status:   http.StatusBadRequest,
			body:     `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`,
			want:     "adapter_error",
			wantKind: agent.KindProviderRejected,
		},
		{
			name:     "unavailable",
			status:   http.StatusServiceUnavailable,
			body:     `{"error":{"code":503,"message":"The model is overloaded","status":"UNAVAILABLE"}}`,
			want:     "adapter_error",
			wantKind: agent.KindProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSSEServer(t, tt.status, tt.body)
			ch, err := newTestGoogle(t, srv.URL).Complete(context.Background(), completionRequest())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			events := drainEvents(t, ch)
			if got := kinds(events); got != tt.want {
				t.Fatalf("events = %s, want %s", got, tt.want)
			}
			if kind := agent.Classify(lastEvent(t, events).Err); kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", kind, tt.wantKind)
			}
		})
	}
}

func TestGoogleConvertMessages(t *testing.T) {
	p := newTestGoogle(t, "http://127.0.0.1:0")
	contents := p.convertMessages([]agent.CompletionMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "hotel?"},
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "call_get_document_1", Name: "get_document", Input: json.RawMessage(`{"document_id":"d1"}`)},
			{ID: "x9", Name: "search_documents", Input: json.RawMessage(`{"query":"hotel"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call_get_document_1", Success: true, Content: json.RawMessage(`{"title":"Hilton"}`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "x9", Success: true, Content: json.RawMessage(`["a"]`)}}},
	})

	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[1].Role != genai.RoleModel || len(contents[1].Parts) != 2 {
		t.Errorf("model content = %+v", contents[1])
	}
	results := contents[2]
	if results.Role != genai.RoleUser || len(results.Parts) != 2 {
		t.Fatalf("results content = %+v", results)
	}
	first := results.Parts[0].FunctionResponse
	if first.Name != "get_document" || first.Response["title"] != "Hilton" {
		t.Errorf("first response = %+v", first)
	}
	second := results.Parts[1].FunctionResponse
	if second.Name != "search_documents" {
		t.Errorf("second response name = %q", second.Name)
	}
	if _, ok := second.Response["result"]; !ok {
		t.Errorf("non-object content not wrapped: %v", second.Response)
	}
}

func TestToolNameFromID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"call_search_documents_1712345678", "search_documents"},
		{"call_get_document_42", "get_document"},
		{"toolu_123", ""},
		{"call_", ""},
	}
	for _, tt := range tests {
		if got := toolNameFromID(tt.id); got != tt.want {
			t.Errorf("toolNameFromID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
	if name := toolNameFromID(generateToolCallID("export_calendar")); name != "export_calendar" {
		t.Errorf("round trip = %q", name)
	}
}
