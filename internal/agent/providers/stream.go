package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/pkg/models"
)

// maxEmptyStreamEvents is the maximum number of consecutive empty events before
// treating the stream as malformed.
const maxEmptyStreamEvents = 300

// eventSink delivers adapter events until the request context ends.
type eventSink struct {
	ctx context.Context
	ch  chan<- agent.ProviderEvent
}

func (s eventSink) send(ev agent.ProviderEvent) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s eventSink) text(delta string) bool {
	if delta == "" {
		return true
	}
	return s.send(agent.TextDelta(delta))
}

func (s eventSink) fail(err error) {
	s.send(agent.AdapterError(err))
}

// pendingCall is a tool call whose arguments are still streaming.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// callAssembler joins streamed tool call fragments keyed by the vendor's
// block or call index.
type callAssembler struct {
	calls map[int]*pendingCall
}

func newCallAssembler() *callAssembler {
	return &callAssembler{calls: map[int]*pendingCall{}}
}

func (a *callAssembler) start(index int, id, name string) {
	a.calls[index] = &pendingCall{id: id, name: name}
}

// fragment appends argument text; id and name fill in blanks when the vendor
// only sends them on a later delta.
func (a *callAssembler) fragment(index int, id, name, args string) {
	call, ok := a.calls[index]
	if !ok {
		call = &pendingCall{}
		a.calls[index] = call
	}
	if call.id == "" {
		call.id = id
	}
	if call.name == "" {
		call.name = name
	}
	call.args.WriteString(args)
}

func (a *callAssembler) has(index int) bool {
	_, ok := a.calls[index]
	return ok
}

func (a *callAssembler) pending() int {
	return len(a.calls)
}

// finish completes the call at index. ok is false when no call is open there.
func (a *callAssembler) finish(index int) (*models.ToolCall, bool, error) {
	call, ok := a.calls[index]
	if !ok {
		return nil, false, nil
	}
	delete(a.calls, index)
	tc, err := completeCall(call.id, call.name, call.args.String())
	return tc, true, err
}

// finishAll completes every open call in index order.
func (a *callAssembler) finishAll() ([]*models.ToolCall, error) {
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]*models.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		tc, _, err := a.finish(idx)
		if err != nil {
			return out, err
		}
		out = append(out, tc)
	}
	return out, nil
}

// completeCall checks a tool call before it may be emitted: it needs a name
// and its arguments must be a JSON object. Empty arguments mean {}.
func completeCall(id, name, args string) (*models.ToolCall, error) {
	if name == "" {
		return nil, errors.New("tool call without a name")
	}
	args = strings.TrimSpace(args)
	if args == "" {
		args = "{}"
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(args), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("tool call %q has incomplete or non-object arguments", name)
	}
	return &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}, nil
}

// toolResultText renders a stored tool result as the text sent back to the
// model. Failures carry the kind and message so the model can react.
func toolResultText(tr models.ToolResult) string {
	if !tr.Success {
		payload := map[string]any{"error": tr.Error}
		if tr.Kind != "" {
			payload["kind"] = tr.Kind
		}
		data, _ := json.Marshal(payload)
		return string(data)
	}
	if len(tr.Content) == 0 || string(tr.Content) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(tr.Content, &s) == nil {
		return s
	}
	return string(tr.Content)
}

// toolResultValue decodes a tool result for vendors that take structured
// function responses.
func toolResultValue(tr models.ToolResult) map[string]any {
	if !tr.Success {
		out := map[string]any{"error": tr.Error}
		if tr.Kind != "" {
			out["kind"] = tr.Kind
		}
		return out
	}
	var decoded any
	if len(tr.Content) > 0 && json.Unmarshal(tr.Content, &decoded) == nil {
		if m, ok := decoded.(map[string]any); ok {
			return m
		}
		return map[string]any{"result": decoded}
	}
	return map[string]any{"result": nil}
}

// mergeToolMessages folds consecutive tool messages into one so vendors that
// expect all results of a round in a single user turn get them that way.
func mergeToolMessages(messages []agent.CompletionMessage) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "tool" && len(out) > 0 && out[len(out)-1].Role == "tool" {
			last := &out[len(out)-1]
			last.ToolResults = append(append([]models.ToolResult(nil), last.ToolResults...), msg.ToolResults...)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// decodeInput parses stored tool call arguments, falling back to {}.
func decodeInput(raw json.RawMessage) map[string]any {
	var input map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &input) == nil && input != nil {
		return input
	}
	return map[string]any{}
}
