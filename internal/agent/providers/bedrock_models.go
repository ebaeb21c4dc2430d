package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// BedrockModel is one foundation model an agent can be pointed at.
type BedrockModel struct {
	ID        string
	Name      string
	Provider  string
	Streaming bool
	// ToolUse is a best guess from the model family; Bedrock does not report it.
	ToolUse bool
}

// bedrockCatalogAPI is the slice of the Bedrock control plane the catalog uses.
type bedrockCatalogAPI interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// ListBedrockModels returns the active text models of the region that
// support ConverseStream, optionally narrowed to vendors such as
// "anthropic" or "meta".
func ListBedrockModels(ctx context.Context, cfg BedrockConfig, vendors ...string) ([]BedrockModel, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg, err := loadAWSConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := bedrock.NewFromConfig(awsCfg, func(o *bedrock.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
	})
	return listBedrockModels(ctx, client, vendors)
}

func listBedrockModels(ctx context.Context, client bedrockCatalogAPI, vendors []string) ([]BedrockModel, error) {
	out, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByOutputModality: bedrocktypes.ModelModalityText,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: list foundation models: %w", err)
	}

	models := make([]BedrockModel, 0, len(out.ModelSummaries))
	for i := range out.ModelSummaries {
		summary := &out.ModelSummaries[i]
		if !activeModel(summary) || !matchesVendor(summary, vendors) {
			continue
		}
		streaming := aws.ToBool(summary.ResponseStreamingSupported)
		if !streaming {
			continue
		}
		id := aws.ToString(summary.ModelId)
		models = append(models, BedrockModel{
			ID:        id,
			Name:      aws.ToString(summary.ModelName),
			Provider:  aws.ToString(summary.ProviderName),
			Streaming: streaming,
			ToolUse:   supportsToolUse(id),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func activeModel(summary *bedrocktypes.FoundationModelSummary) bool {
	if summary.ModelLifecycle == nil {
		return true
	}
	status := summary.ModelLifecycle.Status
	return status == "" || status == bedrocktypes.FoundationModelLifecycleStatusActive
}

func matchesVendor(summary *bedrocktypes.FoundationModelSummary, vendors []string) bool {
	if len(vendors) == 0 {
		return true
	}
	provider := strings.ToLower(aws.ToString(summary.ProviderName))
	id := strings.ToLower(aws.ToString(summary.ModelId))
	for _, v := range vendors {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == provider || strings.HasPrefix(id, v+".") {
			return true
		}
	}
	return false
}

// Families known to accept toolConfig on Converse.
var toolUseFamilies = []string{
	"anthropic.claude-3",
	"anthropic.claude-sonnet-4",
	"anthropic.claude-opus-4",
	"meta.llama3-1",
	"meta.llama3-2",
	"meta.llama3-3",
	"mistral.mistral-large",
	"cohere.command-r",
	"amazon.nova",
}

var inferenceGeographies = map[string]bool{"us": true, "eu": true, "apac": true, "us-gov": true}

func supportsToolUse(id string) bool {
	id = strings.ToLower(id)
	// Cross-region inference profiles prefix the id with a geography.
	if geo, rest, ok := strings.Cut(id, "."); ok && inferenceGeographies[geo] {
		id = rest
	}
	for _, family := range toolUseFamilies {
		if strings.HasPrefix(id, family) {
			return true
		}
	}
	return false
}
