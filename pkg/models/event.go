package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of stream event.
type EventType string

const (
	EventContent    EventType = "content"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is the unit emitted on a turn's stream.
//
// Data holds exactly one of the payload types below, selected by Type. Events of
// one request are totally ordered; EventDone is always the last one.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ContentData is the payload of an EventContent.
type ContentData struct {
	Content string `json:"content"`
}

// ToolCallData is the payload of an EventToolCall.
type ToolCallData struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	CallID    string          `json:"call_id"`
}

// ToolResultData is the payload of an EventToolResult. Content is null on
// failure and Error is null on success.
type ToolResultData struct {
	CallID  string          `json:"call_id"`
	Success bool            `json:"success"`
	Content json.RawMessage `json:"content"`
	Error   *string         `json:"error"`
}

// ErrorData is the payload of an EventError.
type ErrorData struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// DoneData is the empty payload of an EventDone.
type DoneData struct{}

// NewContentEvent builds a content event.
func NewContentEvent(delta string) *Event {
	return &Event{Type: EventContent, Data: ContentData{Content: delta}, Timestamp: time.Now().UTC()}
}

// NewToolCallEvent builds a tool_call event. Missing arguments are sent as {}.
func NewToolCallEvent(call ToolCall) *Event {
	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return &Event{
		Type:      EventToolCall,
		Data:      ToolCallData{Name: call.Name, Arguments: args, CallID: call.ID},
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResultEvent builds a tool_result event from a stored result.
func NewToolResultEvent(result ToolResult) *Event {
	data := ToolResultData{CallID: result.ToolCallID, Success: result.Success}
	if result.Success {
		data.Content = result.Content
		if len(data.Content) == 0 {
			data.Content = json.RawMessage("null")
		}
	} else {
		errText := result.Error
		data.Error = &errText
	}
	return &Event{Type: EventToolResult, Data: data, Timestamp: time.Now().UTC()}
}

// NewErrorEvent builds a terminal error event.
func NewErrorEvent(message, kind string) *Event {
	return &Event{Type: EventError, Data: ErrorData{Error: message, Kind: kind}, Timestamp: time.Now().UTC()}
}

// NewDoneEvent builds the closing done event.
func NewDoneEvent() *Event {
	return &Event{Type: EventDone, Data: DoneData{}, Timestamp: time.Now().UTC()}
}

// IsTerminal reports whether no further events follow e.
func (e *Event) IsTerminal() bool {
	return e != nil && e.Type == EventDone
}
