package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/agent/toolconv"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.LLMProvider over the OpenAI chat
// completions streaming API. Any OpenAI-compatible endpoint works through
// BaseURL.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

// OpenAIConfig holds configuration parameters for creating an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// BaseURL overrides the API base URL, e.g. "https://api.openai.com/v1".
	BaseURL string

	// DefaultModel is used when the request names no model. Default: "gpt-4o"
	DefaultModel string

	// DefaultMaxTokens is used when the request sets no limit. Zero leaves
	// the limit to the API.
	DefaultMaxTokens int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if config.HTTPClient != nil {
		clientConfig.HTTPClient = config.HTTPClient
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		maxTokens:    config.DefaultMaxTokens,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete starts a streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.ProviderEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      p.convertMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Tools:         toolconv.ToOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if p.maxTokens > 0 {
		chatReq.MaxTokens = p.maxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	events := make(chan agent.ProviderEvent)
	go func() {
		defer close(events)
		sink := eventSink{ctx: ctx, ch: events}

		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if ctx.Err() == nil {
				sink.fail(p.wrapError(err, model))
			}
			return
		}
		defer stream.Close()
		p.processStream(stream, sink, model)
	}()
	return events, nil
}

// processStream translates chat completion chunks.
//
// Tool calls stream as indexed deltas: the first delta for an index carries
// the id and function name, later ones append argument fragments. All calls
// are complete once the choice reports a finish reason.
func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, sink eventSink, model string) {
	calls := newCallAssembler()
	usage := &agent.Usage{}
	var reason agent.FinishReason
	emptyEventCount := 0

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sink.ctx.Err() == nil {
				sink.fail(p.wrapError(err, model))
			}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			if response.Usage == nil {
				emptyEventCount++
				if emptyEventCount >= maxEmptyStreamEvents {
					sink.fail(protocolError(p.Name(), model, "stream appears malformed: received %d consecutive empty events", emptyEventCount))
					return
				}
			}
			continue
		}
		emptyEventCount = 0

		choice := response.Choices[0]
		if !sink.text(choice.Delta.Content) {
			return
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if !calls.has(index) {
				calls.start(index, tc.ID, tc.Function.Name)
			}
			calls.fragment(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}

		if choice.FinishReason == "" {
			continue
		}
		if choice.FinishReason == openai.FinishReasonContentFilter {
			sink.fail(&ProviderError{
				Reason:   ReasonContentFilter,
				Provider: p.Name(),
				Model:    model,
				Message:  "response blocked by content filter",
			})
			return
		}
		completed, err := calls.finishAll()
		if err != nil {
			sink.fail(protocolError(p.Name(), model, "%v", err))
			return
		}
		for _, call := range completed {
			if !sink.send(agent.ToolCallRequest(call)) {
				return
			}
		}
		reason = agent.FinishStop
		if len(completed) > 0 || choice.FinishReason == openai.FinishReasonToolCalls {
			reason = agent.FinishToolUse
		}
	}

	if reason == "" {
		sink.fail(protocolError(p.Name(), model, "stream ended without a finish reason"))
		return
	}
	sink.send(agent.Finish(reason, usage))
}

// convertMessages converts runtime messages to OpenAI chat messages. The
// system prompt becomes the first message and every tool result is its own
// "tool" message.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResultText(tr),
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			if out.Content == "" && len(out.ToolCalls) == 0 {
				continue
			}
			result = append(result, out)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := (&ProviderError{Provider: p.Name(), Model: model, Cause: err, Reason: ReasonUnknown}).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code := fmt.Sprint(apiErr.Code); apiErr.Code != nil && code != "" {
			pe = pe.WithCode(code)
		} else if apiErr.Type != "" {
			pe = pe.WithCode(apiErr.Type)
		}
		if pe.Message == "" {
			pe.Message = "openai request failed"
		}
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := (&ProviderError{Provider: p.Name(), Model: model, Cause: err, Reason: ReasonUnknown}).
			WithStatus(reqErr.HTTPStatusCode)
		pe.Message = fmt.Sprintf("openai request failed with status %d", reqErr.HTTPStatusCode)
		return pe
	}

	return NewProviderError(p.Name(), model, err)
}
