package external

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/kohtravel/agentd/internal/agent"
)

// RemoteTool executes one collaborator tool over HTTP for the turn's user.
type RemoteTool struct {
	client *Client
	spec   ToolSpec
}

// NewRemoteTool wraps spec as an agent.Tool.
func NewRemoteTool(client *Client, spec ToolSpec) *RemoteTool {
	return &RemoteTool{client: client, spec: spec}
}

func (t *RemoteTool) Name() string        { return t.spec.Name }
func (t *RemoteTool) Description() string { return t.spec.Description }

func (t *RemoteTool) Schema() json.RawMessage {
	if len(t.spec.Parameters) == 0 || string(t.spec.Parameters) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.spec.Parameters
}

// Execute invokes the tool. A success=false reply becomes an error carrying
// the collaborator's message.
func (t *RemoteTool) Execute(ctx context.Context, params json.RawMessage, bundle agent.ContextBundle) (*agent.ToolOutput, error) {
	resp, err := t.client.Invoke(ctx, t.spec.Name, bundle.UserID, params)
	if err != nil {
		return nil, InvokeError(t.spec.Name, err)
	}
	if !resp.Success {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = t.spec.Name + " reported failure"
		}
		return nil, agent.ToolFailure("%s", msg)
	}

	var content any = resp.Content
	if len(resp.Content) == 0 {
		content = nil
	}
	return &agent.ToolOutput{Content: content, Metadata: resp.Metadata}, nil
}

// InvokeError wraps a failed Invoke for the executor, keeping transport
// detail and response bodies out of the model-visible text. Context errors
// pass through so timeouts are reported as such.
func InvokeError(tool string, err error) error {
	var status *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &status):
		return agent.NewToolError(agent.KindToolExecutionFailed, tool, err).WithMessage(status.SafeMessage())
	}
	return agent.NewToolError(agent.KindToolExecutionFailed, tool, err).WithMessage(ErrCollaborator.Error())
}
