package agent

import (
	"strings"

	"github.com/kohtravel/agentd/pkg/models"
)

// TurnSummary is the non-streaming view of a finished turn.
type TurnSummary struct {
	SessionID   string                  `json:"session_id"`
	Response    string                  `json:"response"`
	ToolCalls   []models.ToolCallData   `json:"tool_calls"`
	ToolResults []models.ToolResultData `json:"tool_results"`
	Error       *models.ErrorData       `json:"error,omitempty"`
}

// Collect drains a turn's event stream into a TurnSummary. It returns when
// the stream is closed.
func Collect(sessionID string, events <-chan *models.Event) *TurnSummary {
	summary := &TurnSummary{
		SessionID:   sessionID,
		ToolCalls:   []models.ToolCallData{},
		ToolResults: []models.ToolResultData{},
	}
	var text strings.Builder
	for event := range events {
		switch data := event.Data.(type) {
		case models.ContentData:
			text.WriteString(data.Content)
		case models.ToolCallData:
			summary.ToolCalls = append(summary.ToolCalls, data)
		case models.ToolResultData:
			summary.ToolResults = append(summary.ToolResults, data)
		case models.ErrorData:
			errData := data
			summary.Error = &errData
		}
	}
	summary.Response = text.String()
	return summary
}
