package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/agent/toolconv"
	"github.com/kohtravel/agentd/pkg/models"
	"google.golang.org/genai"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider implements agent.LLMProvider over the Gemini API
// (GenerateContentStream).
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	maxTokens    int
}

// GoogleConfig holds configuration parameters for creating a GoogleProvider.
type GoogleConfig struct {
	// APIKey is the Gemini API key (required).
	APIKey string

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// DefaultModel is used when the request names no model.
	// Default: "gemini-2.0-flash"
	DefaultModel string

	// DefaultMaxTokens is used when the request sets no limit.
	DefaultMaxTokens int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// NewGoogleProvider creates a Gemini adapter.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultGoogleModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		maxTokens:    config.DefaultMaxTokens,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Complete starts a streaming GenerateContent call.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.ProviderEvent, error) {
	model := p.getModel(req.Model)
	contents := p.convertMessages(req.Messages)
	config := p.buildConfig(req)

	events := make(chan agent.ProviderEvent)
	go func() {
		defer close(events)
		stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		p.processStream(stream, eventSink{ctx: ctx, ch: events}, model)
	}()
	return events, nil
}

// processStream translates streamed GenerateContent responses. Gemini sends
// function calls whole, so each is validated and emitted as it arrives.
func (p *GoogleProvider) processStream(stream iter.Seq2[*genai.GenerateContentResponse, error], sink eventSink, model string) {
	usage := &agent.Usage{}
	var finish genai.FinishReason
	sawCall := false

	for resp, err := range stream {
		if err != nil {
			if sink.ctx.Err() == nil {
				sink.fail(p.wrapError(err, model))
			}
			return
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			sink.fail(&ProviderError{
				Reason:   ReasonContentFilter,
				Provider: p.Name(),
				Model:    model,
				Code:     string(resp.PromptFeedback.BlockReason),
				Message:  "prompt blocked",
			})
			return
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}

		candidate := resp.Candidates[0]
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part == nil || part.Thought {
					continue
				}
				if !sink.text(part.Text) {
					return
				}
				if part.FunctionCall == nil {
					continue
				}
				call, err := p.toToolCall(part.FunctionCall)
				if err != nil {
					sink.fail(protocolError(p.Name(), model, "%v", err))
					return
				}
				sawCall = true
				if !sink.send(agent.ToolCallRequest(call)) {
					return
				}
			}
		}
		if candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonUnspecified {
			finish = candidate.FinishReason
		}
	}

	switch finish {
	case "":
		sink.fail(protocolError(p.Name(), model, "stream ended without a finish reason"))
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		sink.fail(&ProviderError{
			Reason:   ReasonContentFilter,
			Provider: p.Name(),
			Model:    model,
			Code:     string(finish),
			Message:  "response blocked by safety filters",
		})
	case genai.FinishReasonMalformedFunctionCall:
		sink.fail(protocolError(p.Name(), model, "model produced a malformed function call"))
	default:
		reason := agent.FinishStop
		if sawCall {
			reason = agent.FinishToolUse
		}
		sink.send(agent.Finish(reason, usage))
	}
}

func (p *GoogleProvider) toToolCall(fc *genai.FunctionCall) (*models.ToolCall, error) {
	args := "{}"
	if fc.Args != nil {
		data, err := json.Marshal(fc.Args)
		if err != nil {
			return nil, fmt.Errorf("encode function call args: %w", err)
		}
		args = string(data)
	}
	id := fc.ID
	if id == "" {
		id = generateToolCallID(fc.Name)
	}
	return completeCall(id, fc.Name, args)
}

// convertMessages converts runtime messages to Gemini contents. Tool results
// of one round are sent together as function responses in a single user
// content.
func (p *GoogleProvider) convertMessages(messages []agent.CompletionMessage) []*genai.Content {
	names := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range mergeToolMessages(messages) {
		content := &genai.Content{Role: genai.RoleUser}
		switch msg.Role {
		case "system":
			continue
		case "assistant":
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: decodeInput(tc.Input),
				},
			})
		}
		for _, tr := range msg.ToolResults {
			name := names[tr.ToolCallID]
			if name == "" {
				name = toolNameFromID(tr.ToolCallID)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     name,
					Response: toolResultValue(tr),
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(maxTokens, math.MaxInt32))
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError converts Gemini API errors into a ProviderError.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return NewProviderError(p.Name(), model, err)
	}

	pe := (&ProviderError{Provider: p.Name(), Model: model, Cause: err, Reason: ReasonUnknown}).
		WithStatus(apiErr.Code).
		WithMessage(apiErr.Message)
	if apiErr.Status != "" {
		pe = pe.WithCode(apiErr.Status)
	}
	if pe.Message == "" {
		pe.Message = "google request failed"
	}
	return pe
}

// generateToolCallID generates an id for a function call. Gemini only
// sometimes provides one.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromID recovers the tool name from a generated id of the form
// "call_<name>_<nanos>".
func toolNameFromID(toolCallID string) string {
	rest, ok := strings.CutPrefix(toolCallID, "call_")
	if !ok {
		return ""
	}
	if idx := strings.LastIndexByte(rest, '_'); idx > 0 {
		return rest[:idx]
	}
	return ""
}
