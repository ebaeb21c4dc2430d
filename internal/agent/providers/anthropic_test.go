package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/pkg/models"
)

func newTestAnthropic(t *testing.T, url string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: url})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return p
}

const anthropicMessageStart = `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"usage":{"input_tokens":10,"output_tokens":1}}}`

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.defaultModel != defaultAnthropicModel || p.maxTokens != 4096 {
		t.Errorf("defaults not applied: model=%q maxTokens=%d", p.defaultModel, p.maxTokens)
	}
}

func TestAnthropicStream_TextAndToolCall(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK, namedEvents(
		[2]string{"message_start", anthropicMessageStart},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"search_documents","input":{}}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"flights\"}"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":20}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	))
	p := newTestAnthropic(t, srv.URL)

	ch, err := p.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	events := drainEvents(t, ch)

	if got := kinds(events); got != "text_delta,text_delta,tool_call,finish" {
		t.Fatalf("events = %s", got)
	}
	if events[0].Text+events[1].Text != "Let me check." {
		t.Errorf("text = %q", events[0].Text+events[1].Text)
	}
	call := events[2].ToolCall
	if call.ID != "toolu_1" || call.Name != "search_documents" || string(call.Input) != `{"query":"flights"}` {
		t.Errorf("tool call = %+v (input %s)", call, call.Input)
	}
	fin := events[3]
	if fin.Reason != agent.FinishToolUse {
		t.Errorf("finish reason = %q", fin.Reason)
	}
	if fin.Usage == nil || fin.Usage.InputTokens != 10 || fin.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", fin.Usage)
	}

	body := srv.body(0)
	if body["model"] != defaultAnthropicModel {
		t.Errorf("model = %v", body["model"])
	}
	if body["max_tokens"] != float64(512) {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
	if body["stream"] != true {
		t.Errorf("stream = %v", body["stream"])
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "search_documents" {
		t.Errorf("tools = %v", body["tools"])
	}
}

func TestAnthropicStream_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames [][2]string
		// text deltas expected before the error
		texts int
	}{
		{
			name: "ends without message_stop",
			frames: [][2]string{
				{"message_start", anthropicMessageStart},
				{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
				{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`},
			},
			texts: 1,
		},
		{
			name: "incomplete tool arguments",
			frames: [][2]string{
				{"message_start", anthropicMessageStart},
				{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"search_documents","input":{}}}`},
				{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`},
				{"content_block_stop", `{"type":"content_block_stop","index":0}`},
				{"message_stop", `{"type":"message_stop"}`},
			},
		},
		{
			name: "stop with open tool call",
			frames: [][2]string{
				{"message_start", anthropicMessageStart},
				{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"search_documents","input":{}}}`},
				{"message_stop", `{"type":"message_stop"}`},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSSEServer(t, http.StatusOK, namedEvents(tt.frames...))
			ch, err := newTestAnthropic(t, srv.URL).Complete(context.Background(), completionRequest())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			events := drainEvents(t, ch)
			want := strings.Repeat("text_delta,", tt.texts) + "adapter_error"
			if got := kinds(events); got != want {
				t.Fatalf("events = %s, want %s", got, want)
			}
			if kind := agent.Classify(lastEvent(t, events).Err); kind != agent.KindProtocolError {
				t.Errorf("kind = %v, want ProtocolError", kind)
			}
		})
	}
}

func TestAnthropicStream_HTTPErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind agent.ErrorKind
		reason   FailureReason
	}{
		{
			name:     "auth",
			status:   http.StatusUnauthorized,
			body:     `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"},"request_id":"req_1"}`,
			wantKind: agent.KindProviderRejected,
			reason:   ReasonAuth,
		},
		{
			name:     "overloaded",
			status:   529,
			body:     `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantKind: agent.KindProviderUnavailable,
			reason:   ReasonServerError,
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`,
			wantKind: agent.KindProviderUnavailable,
			reason:   ReasonRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSSEServer(t, tt.status, tt.body)
			ch, err := newTestAnthropic(t, srv.URL).Complete(context.Background(), completionRequest())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			events := drainEvents(t, ch)
			if got := kinds(events); got != "adapter_error" {
				t.Fatalf("events = %s", got)
			}
			if srv.requests() != 1 {
				t.Errorf("requests = %d, adapters must not retry", srv.requests())
			}
			ev := lastEvent(t, events)
			if kind := agent.Classify(ev.Err); kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", kind, tt.wantKind)
			}
			pe, ok := GetProviderError(ev.Err)
			if !ok {
				t.Fatalf("error %v is not a ProviderError", ev.Err)
			}
			if pe.Reason != tt.reason || pe.Status != tt.status {
				t.Errorf("reason=%q status=%d", pe.Reason, pe.Status)
			}
			if strings.Contains(pe.Error(), "test-key") {
				t.Errorf("error text leaks the API key: %s", pe.Error())
			}
		})
	}
}

func TestAnthropicStream_ErrorEventKeepsEarlierText(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK, namedEvents(
		[2]string{"message_start", anthropicMessageStart},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Your flight"}}`},
		[2]string{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
	))
	ch, err := newTestAnthropic(t, srv.URL).Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	events := drainEvents(t, ch)
	if got := kinds(events); got != "text_delta,adapter_error" {
		t.Fatalf("events = %s", got)
	}
	if kind := agent.Classify(events[1].Err); kind != agent.KindProviderUnavailable {
		t.Errorf("kind = %v, want ProviderUnavailable", kind)
	}
}

func TestAnthropicStream_CancelSendsNoError(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK, namedEvents(
		[2]string{"message_start", anthropicMessageStart},
	))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, err := newTestAnthropic(t, srv.URL).Complete(ctx, completionRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	for _, ev := range drainEvents(t, ch) {
		if ev.Kind == agent.EventAdapterError {
			t.Fatalf("unexpected error event after cancellation: %v", ev.Err)
		}
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p := newTestAnthropic(t, "http://127.0.0.1:0")
	messages := []agent.CompletionMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "Find my hotel and flight"},
		{Role: "assistant", Content: "Checking.", ToolCalls: []models.ToolCall{
			{ID: "a", Name: "search_documents", Input: json.RawMessage(`{"query":"hotel"}`)},
			{ID: "b", Name: "search_documents", Input: json.RawMessage(`{"query":"flight"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "a", Success: true, Content: json.RawMessage(`"Hilton"`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "b", Success: false, Error: "search down", Kind: "ToolExecutionFailed"}}},
		{Role: "assistant"},
	}

	params := p.convertMessages(messages)
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []struct {
		Role    string           `json:"role"`
		Content []map[string]any `json:"content"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(decoded) != 3 {
		t.Fatalf("messages = %d, want 3 (system and empty turns dropped, tool results merged): %s", len(decoded), data)
	}
	if decoded[1].Role != "assistant" || len(decoded[1].Content) != 3 {
		t.Errorf("assistant message = %+v", decoded[1])
	}
	results := decoded[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool results message = %+v", results)
	}
	if results.Content[0]["type"] != "tool_result" || results.Content[0]["tool_use_id"] != "a" {
		t.Errorf("first result = %v", results.Content[0])
	}
	if results.Content[1]["is_error"] != true {
		t.Errorf("failed result not flagged: %v", results.Content[1])
	}
}
