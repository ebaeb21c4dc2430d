package toolconv

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/kohtravel/agentd/internal/agent"
)

// ToBedrockTools converts registry tools to a Bedrock Converse tool
// configuration. It returns nil for an empty tool set since Converse rejects
// an empty tool list.
func ToBedrockTools(tools []agent.Tool) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		spec := types.ToolSpecification{
			Name:        aws.String(tool.Name()),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(SchemaMap(tool))},
		}
		if desc := tool.Description(); desc != "" {
			spec.Description = aws.String(desc)
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{Value: spec}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
