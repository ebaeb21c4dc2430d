// Package providers implements one agent.LLMProvider per LLM vendor.
//
// Each adapter converts the runtime's CompletionRequest into the vendor request,
// starts a streaming call and normalizes the vendor stream into the tagged
// agent.ProviderEvent sequence. Adapters hold no session state and perform no
// retries: SDK-level retries are disabled and every failure is sent as a single
// EventAdapterError carrying a *ProviderError.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/agent/toolconv"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements agent.LLMProvider over the Anthropic Messages
// streaming API.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use across multiple goroutines.
// Each Complete() call creates an independent stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// AnthropicConfig holds configuration parameters for creating an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	// Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// DefaultModel is used when the request names no model.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	// DefaultMaxTokens is used when the request sets no limit. Default: 4096
	DefaultMaxTokens int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 4096
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(config.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxTokens:    config.DefaultMaxTokens,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete starts a streaming Messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.ProviderEvent, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, protocolError(p.Name(), model, "%v", err)
	}

	events := make(chan agent.ProviderEvent)
	go func() {
		defer close(events)
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		p.processStream(stream, eventSink{ctx: ctx, ch: events}, model)
	}()
	return events, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages := p.convertMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return params, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream translates Messages stream events.
//
// Tool calls arrive as content_block_start (id and name), a run of
// input_json_delta fragments and content_block_stop; the call is emitted on
// the stop once its arguments parse.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], sink eventSink, model string) {
	calls := newCallAssembler()
	usage := &agent.Usage{}
	reason := agent.FinishStop
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "tool_use":
				toolUse := block.AsToolUse()
				calls.start(int(event.Index), toolUse.ID, toolUse.Name)
			case "text":
				if !sink.text(block.Text) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				processed = delta.Text != ""
				if !sink.text(delta.Text) {
					return
				}
			case "input_json_delta":
				processed = delta.PartialJSON != ""
				calls.fragment(int(event.Index), "", "", delta.PartialJSON)
			default:
				processed = false
			}

		case "content_block_stop":
			call, ok, err := calls.finish(int(event.Index))
			if err != nil {
				sink.fail(protocolError(p.Name(), model, "%v", err))
				return
			}
			if ok && !sink.send(agent.ToolCallRequest(call)) {
				return
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			reason = mapAnthropicStopReason(string(md.Delta.StopReason))

		case "message_stop":
			if calls.pending() > 0 {
				sink.fail(protocolError(p.Name(), model, "message ended with %d unfinished tool calls", calls.pending()))
				return
			}
			sink.send(agent.Finish(reason, usage))
			return

		case "error":
			sink.fail(p.wrapError(errors.New("anthropic stream error: "+event.RawJSON()), model))
			return

		default:
			processed = false
		}

		if processed {
			emptyEventCount = 0
			continue
		}
		emptyEventCount++
		if emptyEventCount >= maxEmptyStreamEvents {
			sink.fail(protocolError(p.Name(), model, "stream appears malformed: received %d consecutive empty events", emptyEventCount))
			return
		}
	}

	if err := stream.Err(); err != nil {
		if sink.ctx.Err() != nil {
			return
		}
		sink.fail(p.wrapError(err, model))
		return
	}
	sink.fail(protocolError(p.Name(), model, "stream ended before message_stop"))
}

func mapAnthropicStopReason(reason string) agent.FinishReason {
	if reason == "tool_use" {
		return agent.FinishToolUse
	}
	return agent.FinishStop
}

// convertMessages converts runtime messages into Anthropic message params.
// Consecutive tool results are merged into one user message, tool calls
// become tool_use blocks and empty turns are skipped.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	var result []anthropic.MessageParam

	for _, msg := range mergeToolMessages(messages) {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, toolResultText(tr), !tr.Success))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, decodeInput(tc.Input), tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return p.maxTokens
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: p.Name(),
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	// Errors raised inside the stream ("event: error") carry their payload
	// in the message.
	if raw, ok := strings.CutPrefix(err.Error(), "anthropic stream error: "); ok {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Type != "" {
			return (&ProviderError{Provider: p.Name(), Model: model, Cause: err, Reason: ReasonUnknown}).
				WithMessage(payload.Error.Message).
				WithCode(payload.Error.Type)
		}
	}

	return NewProviderError(p.Name(), model, err)
}
