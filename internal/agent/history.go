package agent

import (
	"encoding/json"

	"github.com/kohtravel/agentd/pkg/models"
)

// HistoryPolicy bounds the part of a session transcript sent to the provider.
// The store always keeps the full transcript.
type HistoryPolicy struct {
	// MaxMessages caps the number of messages sent. Default: 50
	MaxMessages int

	// MaxChars caps the total content characters sent. Default: 120000
	MaxChars int
}

// DefaultHistoryPolicy returns the default bound.
func DefaultHistoryPolicy() HistoryPolicy {
	return HistoryPolicy{MaxMessages: 50, MaxChars: 120000}
}

func (p HistoryPolicy) withDefaults() HistoryPolicy {
	d := DefaultHistoryPolicy()
	if p.MaxMessages <= 0 {
		p.MaxMessages = d.MaxMessages
	}
	if p.MaxChars <= 0 {
		p.MaxChars = d.MaxChars
	}
	return p
}

// BoundHistory returns the most recent suffix of messages that fits policy.
//
// The window always starts at a user message so a tool call is never
// separated from its results, and the newest user message is always kept even
// if it alone exceeds the bound. The result is then repaired with
// RepairToolPairing.
func BoundHistory(messages []*models.Message, policy HistoryPolicy) []*models.Message {
	policy = policy.withDefaults()

	start := -1
	count := 0
	chars := 0
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg == nil {
			continue
		}
		count++
		chars += messageSize(msg)
		if msg.Role == models.RoleUser && lastUser < 0 {
			lastUser = i
		}
		if count > policy.MaxMessages || chars > policy.MaxChars {
			break
		}
		if msg.Role == models.RoleUser {
			start = i
		}
	}
	if start < 0 {
		start = lastUser
	}
	if start < 0 {
		start = 0
	}
	return RepairToolPairing(messages[start:])
}

func messageSize(msg *models.Message) int {
	n := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range msg.ToolResults {
		n += len(tr.Content) + len(tr.Error)
	}
	return n
}

// RepairToolPairing makes a transcript acceptable to every vendor:
//   - each assistant tool call is followed by exactly one result for its id
//     before the next non-tool message (missing results get a synthetic
//     ToolExecutionFailed result)
//   - tool results that match no pending call, or repeat one, are dropped
//
// The input slice is not modified.
func RepairToolPairing(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	pending := map[string]struct{}{}
	var pendingOrder []string
	var pendingFrom *models.Message

	flush := func() {
		for _, id := range pendingOrder {
			if _, still := pending[id]; !still {
				continue
			}
			out = append(out, &models.Message{
				SessionID: pendingFrom.SessionID,
				Role:      models.RoleTool,
				ToolResults: []models.ToolResult{{
					ToolCallID: id,
					Success:    false,
					Error:      "tool result unavailable",
					Kind:       string(KindToolExecutionFailed),
				}},
				Metadata:  map[string]any{models.MetadataSyntheticKey: true},
				CreatedAt: pendingFrom.CreatedAt,
			})
		}
		pending = map[string]struct{}{}
		pendingOrder = nil
		pendingFrom = nil
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if msg.Role == models.RoleTool {
			kept := make([]models.ToolResult, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				if _, ok := pending[tr.ToolCallID]; ok {
					delete(pending, tr.ToolCallID)
					kept = append(kept, tr)
				}
			}
			if len(kept) == 0 {
				continue
			}
			if len(kept) == len(msg.ToolResults) {
				out = append(out, msg)
				continue
			}
			clone := *msg
			clone.ToolResults = kept
			out = append(out, &clone)
			continue
		}

		flush()
		out = append(out, msg)
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			pendingFrom = msg
			for _, tc := range msg.ToolCalls {
				if _, dup := pending[tc.ID]; dup {
					continue
				}
				pending[tc.ID] = struct{}{}
				pendingOrder = append(pendingOrder, tc.ID)
			}
		}
	}
	flush()
	return out
}

// ToCompletionMessages converts stored turns into provider messages.
func ToCompletionMessages(messages []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}
		cm := CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolResults: msg.ToolResults,
		}
		if len(msg.ToolCalls) > 0 {
			cm.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				if len(tc.Input) == 0 || !json.Valid(tc.Input) {
					tc.Input = json.RawMessage("{}")
				}
				cm.ToolCalls[i] = tc
			}
		}
		out = append(out, cm)
	}
	return out
}
