package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

func newTestOpenAI(t *testing.T, url string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: url + "/v1/"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	return p
}

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{APIKey: "  "}); err == nil {
		t.Fatal("expected error for blank API key")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" || p.defaultModel != defaultOpenAIModel {
		t.Errorf("name=%q model=%q", p.Name(), p.defaultModel)
	}
}

func TestOpenAIStream_ParallelToolCalls(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK, dataEvents(
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Checking"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search_documents","arguments":""}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"search_documents","arguments":"{\"query\":"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":\"fl"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ights\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"hotels\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
		`[DONE]`,
	))
	p := newTestOpenAI(t, srv.URL)

	ch, err := p.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	events := drainEvents(t, ch)

	if got := kinds(events); got != "text_delta,tool_call,tool_call,finish" {
		t.Fatalf("events = %s", got)
	}
	a, b := events[1].ToolCall, events[2].ToolCall
	if a.ID != "call_a" || string(a.Input) != `{"query":"flights"}` {
		t.Errorf("first call = %s %s", a.ID, a.Input)
	}
	if b.ID != "call_b" || string(b.Input) != `{"query":"hotels"}` {
		t.Errorf("second call = %s %s", b.ID, b.Input)
	}
	fin := events[3]
	if fin.Reason != agent.FinishToolUse {
		t.Errorf("reason = %q", fin.Reason)
	}
	if fin.Usage.InputTokens != 12 || fin.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", fin.Usage)
	}

	body := srv.body(0)
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
		t.Errorf("messages = %v", body["messages"])
	}
	if body["stream"] != true || body["max_tokens"] != float64(512) {
		t.Errorf("stream=%v max_tokens=%v", body["stream"], body["max_tokens"])
	}
}

func TestOpenAIStream_TextOnly(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK, dataEvents(
		`{"choices":[{"index":0,"delta":{"content":"You have "}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"two flights."}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	))
	ch, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	events := drainEvents(t, ch)
	if got := kinds(events); got != "text_delta,text_delta,finish" {
		t.Fatalf("events = %s", got)
	}
	if events[2].Reason != agent.FinishStop {
		t.Errorf("reason = %q", events[2].Reason)
	}
}

func TestOpenAIStream_Failures(t *testing.T) {
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
			body:     dataEvents(`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`, `[DONE]`),
			want:     "text_delta,adapter_error",
			wantKind: agent.KindProtocolError,
		},
		{
			name:   "broken tool arguments",
			status: http.StatusOK,
			body: dataEvents(
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search_documents","arguments":"{\"query\""}}]}}]}`,
				`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
				`[DONE]`,
			),
			want:     "adapter_error",
			wantKind: agent.KindProtocolError,
		},
		{
			name:     "content filter",
			status:   http.StatusOK,
			body:     dataEvents(`{"choices":[{"index":0,"delta":{},"finish_reason":"content_filter"}]}`, `[DONE]`),
			want:     "adapter_error",
			wantKind: agent.KindProviderRejected,
		},
		{
			name:     "invalid key",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			want:     "adapter_error",
			wantKind: agent.KindProviderRejected,
		},
		{
			name:     "server error",
			status:   http.StatusServiceUnavailable,
			body:     `{"error":{"message":"The server is overloaded","type":"server_error","code":null}}`,
			want:     "adapter_error",
			wantKind: agent.KindProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSSEServer(t, tt.status, tt.body)
			ch, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), completionRequest())
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
			if srv.requests() != 1 {
				t.Errorf("requests = %d, want 1", srv.requests())
			}
		})
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := newTestOpenAI(t, "http://127.0.0.1:0")
	msgs := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "a", Name: "search_documents", Input: json.RawMessage(`{"query":"x"}`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "a", Success: false, Error: "boom", Kind: "ToolTimeout"},
		}},
		{Role: "assistant"},
	}, "sys")

	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "sys" {
		t.Errorf("system = %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Arguments != `{"query":"x"}` {
		t.Errorf("assistant = %+v", msgs[2])
	}
	tool := msgs[3]
	if tool.Role != openai.ChatMessageRoleTool || tool.ToolCallID != "a" {
		t.Fatalf("tool message = %+v", tool)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(tool.Content), &payload); err != nil {
		t.Fatalf("tool content %q: %v", tool.Content, err)
	}
	if payload["error"] != "boom" || payload["kind"] != "ToolTimeout" {
		t.Errorf("payload = %v", payload)
	}
}
