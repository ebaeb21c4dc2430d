package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/agent/toolconv"
)

const defaultBedrockModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// BedrockProvider implements agent.LLMProvider for AWS Bedrock via the
// ConverseStream API. Authentication uses explicit keys when configured and
// the default AWS credential chain otherwise.
//
// Thread Safety:
// BedrockProvider is safe for concurrent use across multiple goroutines.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxTokens    int
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID for explicit credentials (optional, uses default chain if empty)
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional)
	SecretAccessKey string

	// SessionToken for temporary credentials (optional)
	SessionToken string

	// DefaultModel is the model used when the request names none.
	DefaultModel string

	// DefaultMaxTokens is used when the request sets no limit.
	DefaultMaxTokens int

	// BaseEndpoint overrides the service endpoint, mainly for tests.
	BaseEndpoint string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// NewBedrockProvider creates a Bedrock adapter.
//
// Example with explicit credentials:
//
//	provider, err := NewBedrockProvider(BedrockConfig{
//	    Region:          "us-west-2",
//	    AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
//	    SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
//	})
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	awsCfg, err := loadAWSConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
	})

	return &BedrockProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.DefaultMaxTokens,
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Complete starts a ConverseStream call.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.ProviderEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	input := p.buildInput(req, model)

	events := make(chan agent.ProviderEvent)
	go func() {
		defer close(events)
		sink := eventSink{ctx: ctx, ch: events}
		out, err := p.client.ConverseStream(ctx, input)
		if err != nil {
			if ctx.Err() == nil {
				sink.fail(p.wrapError(err, model))
			}
			return
		}
		stream := out.GetStream()
		defer stream.Close()
		p.processStream(stream, sink, model)
	}()
	return events, nil
}

func (p *BedrockProvider) buildInput(req *agent.CompletionRequest, model string) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: p.convertMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 || req.Temperature != nil {
		inference := &types.InferenceConfiguration{}
		if maxTokens > 0 {
			// #nosec G115 -- bounded by min
			inference.MaxTokens = aws.Int32(int32(min(maxTokens, math.MaxInt32)))
		}
		if req.Temperature != nil {
			inference.Temperature = aws.Float32(float32(*req.Temperature))
		}
		input.InferenceConfig = inference
	}
	input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	return input
}

// converseEvents is the part of the ConverseStream event stream the adapter
// reads.
type converseEvents interface {
	Events() <-chan types.ConverseStreamOutput
	Err() error
}

// processStream translates Converse stream events. Bedrock reports usage in a
// metadata event after messageStop, so Finish is sent once the stream ends.
func (p *BedrockProvider) processStream(stream converseEvents, sink eventSink, model string) {
	assembler := newCallAssembler()
	usage := &agent.Usage{}
	var stop types.StopReason
	stopped := false
	sawCall := false

	events := stream.Events()
	for {
		var event types.ConverseStreamOutput
		var ok bool
		select {
		case <-sink.ctx.Done():
			return
		case event, ok = <-events:
		}
		if !ok {
			break
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				assembler.start(blockIndex(ev.Value.ContentBlockIndex),
					aws.ToString(toolUse.Value.ToolUseId), aws.ToString(toolUse.Value.Name))
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if !sink.text(delta.Value) {
					return
				}
			case *types.ContentBlockDeltaMemberToolUse:
				assembler.fragment(blockIndex(ev.Value.ContentBlockIndex), "", "", aws.ToString(delta.Value.Input))
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			call, open, err := assembler.finish(blockIndex(ev.Value.ContentBlockIndex))
			if err != nil {
				sink.fail(protocolError(p.Name(), model, "%v", err))
				return
			}
			if open {
				sawCall = true
				if !sink.send(agent.ToolCallRequest(call)) {
					return
				}
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			if assembler.pending() > 0 {
				sink.fail(protocolError(p.Name(), model, "message stopped with %d unfinished tool calls", assembler.pending()))
				return
			}
			stop = ev.Value.StopReason
			stopped = true

		case *types.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				usage.InputTokens = int(aws.ToInt32(u.InputTokens))
				usage.OutputTokens = int(aws.ToInt32(u.OutputTokens))
			}
		}
	}

	if err := stream.Err(); err != nil {
		if sink.ctx.Err() == nil {
			sink.fail(p.wrapError(err, model))
		}
		return
	}
	if !stopped {
		sink.fail(protocolError(p.Name(), model, "stream ended without messageStop"))
		return
	}

	switch stop {
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		sink.fail(&ProviderError{
			Reason:   ReasonContentFilter,
			Provider: p.Name(),
			Model:    model,
			Code:     string(stop),
			Message:  "response blocked by content filters",
		})
	case types.StopReasonToolUse:
		if !sawCall {
			sink.fail(protocolError(p.Name(), model, "stop reason tool_use without tool calls"))
			return
		}
		sink.send(agent.Finish(agent.FinishToolUse, usage))
	default:
		reason := agent.FinishStop
		if sawCall {
			reason = agent.FinishToolUse
		}
		sink.send(agent.Finish(reason, usage))
	}
}

func blockIndex(idx *int32) int {
	return int(aws.ToInt32(idx))
}

// convertMessages converts runtime messages to Converse messages. Tool results
// travel in a user message, one block per result.
func (p *BedrockProvider) convertMessages(messages []agent.CompletionMessage) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range mergeToolMessages(messages) {
		var blocks []types.ContentBlock
		role := types.ConversationRoleUser

		switch msg.Role {
		case "system":
			continue
		case "assistant":
			role = types.ConversationRoleAssistant
			if msg.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(decodeInput(tc.Input)),
				}})
			}
		case "tool":
			for _, tr := range msg.ToolResults {
				status := types.ToolResultStatusSuccess
				if !tr.Success {
					status = types.ToolResultStatusError
				}
				blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Status:    status,
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(toolResultValue(tr))},
					},
				}})
			}
		default:
			if msg.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
			}
		}

		if len(blocks) == 0 {
			continue
		}
		result = append(result, types.Message{Role: role, Content: blocks})
	}
	return result
}

// wrapError maps AWS errors onto a ProviderError using the smithy error code
// and the HTTP status when the SDK exposes them.
func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	pe := NewProviderError(p.Name(), model, err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe = pe.WithCode(apiErr.ErrorCode())
		if msg := strings.TrimSpace(apiErr.ErrorMessage()); msg != "" {
			pe = pe.WithMessage(msg)
		}
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		pe = pe.WithStatus(statusErr.HTTPStatusCode())
	}
	var reqErr interface{ ServiceRequestID() string }
	if errors.As(err, &reqErr) {
		pe = pe.WithRequestID(reqErr.ServiceRequestID())
	}
	return pe
}

// loadAWSConfig resolves region and credentials for both Bedrock clients.
// Retries stay with the orchestrator.
func loadAWSConfig(cfg BedrockConfig) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	if cfg.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}
