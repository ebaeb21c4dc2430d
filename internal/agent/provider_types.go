package agent

import (
	"context"
	"encoding/json"

	"github.com/kohtravel/agentd/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations normalize one vendor's streaming wire format into a sequence
// of ProviderEvent values. They hold no session state: every call carries the
// full (already bounded) history.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different sessions.
//
// Contract:
//   - The returned channel is finite and not restartable; it is closed after
//     the last event.
//   - Text deltas and tool calls keep the relative order the vendor sent them.
//   - A tool call is only emitted once its arguments are complete.
//   - On any vendor failure the adapter sends one EventAdapterError and closes
//     the channel. Adapters never retry; the Orchestrator owns retry policy.
//   - The returned error is reserved for failures before any request is sent
//     (for example an unconvertible history). It is classified like an
//     adapter error.
//
// See Also:
//   - providers.AnthropicProvider, providers.OpenAIProvider,
//     providers.GoogleProvider, providers.BedrockProvider
type LLMProvider interface {
	// Complete sends the conversation and returns the provider event stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan ProviderEvent, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for one provider round.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:     "claude-3-5-sonnet-20241022",
//	    System:    "You are KohTravel's travel assistant.",
//	    Messages:  []CompletionMessage{
//	        {Role: "user", Content: "What flights do I have?"},
//	    },
//	    Tools:     registry.List(),
//	    MaxTokens: 4096,
//	}
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's default
	// model is used. The value is passed to the vendor unchanged.
	Model string `json:"model"`

	// System is the system prompt, including any formatted CONTEXT block.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the tools the LLM can request.
	Tools []Tool `json:"-"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is passed through opaquely when set.
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool". A tool message carries the result
// of exactly one tool call; adapters merge consecutive tool messages when the
// vendor requires all results of a round in one message.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ProviderEventKind discriminates the ProviderEvent variants.
type ProviderEventKind int

const (
	// EventTextDelta carries incremental assistant text in Text.
	EventTextDelta ProviderEventKind = iota + 1
	// EventToolCall carries one complete tool call request in ToolCall.
	EventToolCall
	// EventFinish ends a successful round; Reason says why.
	EventFinish
	// EventAdapterError carries a vendor or stream failure in Err. It is
	// always the last event of the sequence.
	EventAdapterError
)

func (k ProviderEventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCall:
		return "tool_call"
	case EventFinish:
		return "finish"
	case EventAdapterError:
		return "adapter_error"
	}
	return "unknown"
}

// FinishReason is the provider's stated reason for ending a round.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishToolUse FinishReason = "tool_use"
	FinishError   FinishReason = "error"
)

// Usage reports token consumption for a round when the vendor provides it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderEvent is the tagged variant produced by every adapter. Exactly the
// fields belonging to Kind are set.
type ProviderEvent struct {
	Kind     ProviderEventKind
	Text     string
	ToolCall *models.ToolCall
	Reason   FinishReason
	Usage    *Usage
	Err      error
}

// TextDelta builds an EventTextDelta.
func TextDelta(text string) ProviderEvent {
	return ProviderEvent{Kind: EventTextDelta, Text: text}
}

// ToolCallRequest builds an EventToolCall.
func ToolCallRequest(call *models.ToolCall) ProviderEvent {
	return ProviderEvent{Kind: EventToolCall, ToolCall: call}
}

// Finish builds an EventFinish.
func Finish(reason FinishReason, usage *Usage) ProviderEvent {
	return ProviderEvent{Kind: EventFinish, Reason: reason, Usage: usage}
}

// AdapterError builds an EventAdapterError.
func AdapterError(err error) ProviderEvent {
	return ProviderEvent{Kind: EventAdapterError, Reason: FinishError, Err: err}
}

// Tool defines the interface for executable agent tools.
//
// Implementing a Tool:
//
//	type Weather struct{}
//
//	func (Weather) Name() string        { return "weather" }
//	func (Weather) Description() string { return "Current weather for a city" }
//	func (Weather) Schema() json.RawMessage {
//	    return json.RawMessage(`{
//	        "type": "object",
//	        "properties": {"city": {"type": "string"}},
//	        "required": ["city"]
//	    }`)
//	}
//	func (Weather) Execute(ctx context.Context, params json.RawMessage, bundle ContextBundle) (*ToolOutput, error) {
//	    ...
//	}
//
// Arguments are validated against Schema() before Execute is called, so
// Execute may assume required fields are present and correctly typed.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema object describing the parameters.
	Schema() json.RawMessage

	// Execute runs the tool. A returned error is reported to the model as
	// ToolExecutionFailed with the error text as the safe message.
	Execute(ctx context.Context, params json.RawMessage, bundle ContextBundle) (*ToolOutput, error)
}

// ToolOutput is a successful tool execution result.
type ToolOutput struct {
	// Content is the opaque result. A string is sent to the model as text;
	// any other value is sent as its JSON encoding.
	Content any `json:"content"`

	// Metadata is attached to the outcome for traceability and is not sent to
	// the model.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContextBundle is caller-supplied data made available to tools. It is never
// sent to the model verbatim; only keys explicitly formatted into the prompt
// reach it.
type ContextBundle struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Project   string         `json:"project,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
}

// String returns the bundle value for key as a string, or "".
func (b ContextBundle) String(key string) string {
	if b.Values == nil {
		return ""
	}
	switch v := b.Values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, params json.RawMessage, bundle ContextBundle) (*ToolOutput, error)
}

func (f *ToolFunc) Name() string            { return f.ToolName }
func (f *ToolFunc) Description() string     { return f.ToolDescription }
func (f *ToolFunc) Schema() json.RawMessage { return f.ToolSchema }

func (f *ToolFunc) Execute(ctx context.Context, params json.RawMessage, bundle ContextBundle) (*ToolOutput, error) {
	return f.Fn(ctx, params, bundle)
}
