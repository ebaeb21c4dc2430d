package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kohtravel/agentd/internal/sessions"
)

// Common sentinel errors for agent operations
var (
	// ErrSessionBusy indicates another turn is active for the session
	ErrSessionBusy = sessions.ErrSessionBusy

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool indicates a tool name is already registered
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrProtocol indicates a malformed provider stream
	ErrProtocol = errors.New("provider protocol error")

	// ErrTurnTimeout indicates the turn exceeded its wall-clock budget
	ErrTurnTimeout = errors.New("turn timed out")
)

// ErrorKind classifies every error that can reach a caller.
type ErrorKind string

const (
	// Tool layer: recovered into a failed tool_result.
	KindInvalidArguments    ErrorKind = "InvalidArguments"
	KindUnknownTool         ErrorKind = "UnknownTool"
	KindToolTimeout         ErrorKind = "ToolTimeout"
	KindToolExecutionFailed ErrorKind = "ToolExecutionFailed"

	// Turn-fatal: one error event followed by done.
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindProviderRejected    ErrorKind = "ProviderRejected"
	KindProtocolError       ErrorKind = "ProtocolError"
	KindTimeout             ErrorKind = "Timeout"

	// Transport boundary.
	KindSessionBusy ErrorKind = "SessionBusy"
)

// IsToolLayer reports whether errors of this kind are recovered within a round.
func (k ErrorKind) IsToolLayer() bool {
	switch k {
	case KindInvalidArguments, KindUnknownTool, KindToolTimeout, KindToolExecutionFailed:
		return true
	}
	return false
}

// Classifier is implemented by errors that know their own kind, such as
// providers.ProviderError.
type Classifier interface {
	ErrorKind() ErrorKind
}

// Classify maps an error to its ErrorKind. Errors that carry no classification
// are treated as an unavailable provider, which is the only turn-fatal kind
// that leaves the failed round eligible for a retry.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classified Classifier
	if errors.As(err, &classified) {
		if kind := classified.ErrorKind(); kind != "" {
			return kind
		}
	}
	switch {
	case errors.Is(err, ErrSessionBusy):
		return KindSessionBusy
	case errors.Is(err, ErrTurnTimeout):
		return KindTimeout
	case errors.Is(err, ErrProtocol):
		return KindProtocolError
	case errors.Is(err, ErrToolNotFound):
		return KindUnknownTool
	case errors.Is(err, ErrToolTimeout):
		return KindToolTimeout
	case errors.Is(err, ErrToolPanic):
		return KindToolExecutionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindProviderUnavailable
}

// SafeMessager is implemented by errors whose text may be shown to callers
// and to the model. Any other error is rendered as a generic message for its
// kind and its detail stays in the logs.
type SafeMessager interface {
	SafeMessage() string
}

// ToolError represents a structured, recoverable error from the tool layer.
type ToolError struct {
	// Kind is one of the tool-layer kinds
	Kind ErrorKind

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the safe, model-visible message
	Message string

	// Fields names the offending argument fields for InvalidArguments
	Fields []string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Kind))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	switch {
	case e.Message != "" && e.Cause != nil:
		parts = append(parts, e.Message+": "+e.Cause.Error())
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// ErrorKind implements Classifier.
func (e *ToolError) ErrorKind() ErrorKind {
	return e.Kind
}

// SafeMessage implements SafeMessager. Only a message set with WithMessage
// counts; the cause is never shown.
func (e *ToolError) SafeMessage() string {
	return e.Message
}

// NewToolError creates a ToolError of the given kind. The model sees a
// generic message for the kind until WithMessage sets one.
func NewToolError(kind ErrorKind, toolName string, cause error) *ToolError {
	return &ToolError{Kind: kind, ToolName: toolName, Cause: cause}
}

// ToolFailure returns a ToolExecutionFailed error whose formatted text is
// shown to the model as is. Tools use it for failures they describe
// themselves.
func ToolFailure(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindToolExecutionFailed, Message: fmt.Sprintf(format, args...)}
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets the model-visible error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithFields records the offending argument fields.
func (e *ToolError) WithFields(fields ...string) *ToolError {
	e.Fields = append(e.Fields, fields...)
	return e
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// TurnError represents a turn-fatal error with context about which state and
// round it occurred in.
type TurnError struct {
	// State is the orchestrator state when the error occurred
	State TurnState

	// Round is the 1-based provider round
	Round int

	// Kind is the turn-fatal classification
	Kind ErrorKind

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("turn error at %s (round %d): %s", e.State, e.Round, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("turn error at %s (round %d): %v", e.State, e.Round, e.Cause)
	}
	return fmt.Sprintf("turn error at %s (round %d)", e.State, e.Round)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}

// ErrorKind implements Classifier.
func (e *TurnError) ErrorKind() ErrorKind {
	return e.Kind
}

// SafeMessage implements SafeMessager, falling back to the cause's safe
// message.
func (e *TurnError) SafeMessage() string {
	if e.Message != "" {
		return e.Message
	}
	var safe SafeMessager
	if errors.As(e.Cause, &safe) {
		return safe.SafeMessage()
	}
	return ""
}

// newTurnError classifies cause and wraps it with the orchestrator position.
func newTurnError(state TurnState, round int, cause error) *TurnError {
	kind := Classify(cause)
	if kind.IsToolLayer() || kind == KindSessionBusy || kind == "" {
		kind = KindProviderUnavailable
	}
	return &TurnError{State: state, Round: round, Kind: kind, Cause: cause}
}

// safeMessage returns the text of err shown to callers and the model: the
// message of the first SafeMessager in the chain, or a generic one for kind.
func safeMessage(err error, kind ErrorKind) string {
	if err == nil {
		return ""
	}
	var safe SafeMessager
	if errors.As(err, &safe) {
		if msg := safe.SafeMessage(); msg != "" {
			return msg
		}
	}
	return kindMessage(kind)
}

func kindMessage(kind ErrorKind) string {
	switch kind {
	case KindInvalidArguments:
		return "invalid arguments"
	case KindUnknownTool:
		return "unknown tool"
	case KindToolTimeout:
		return "tool execution timed out"
	case KindToolExecutionFailed:
		return "tool execution failed"
	case KindProviderUnavailable:
		return "model provider unavailable"
	case KindProviderRejected:
		return "model provider rejected the request"
	case KindProtocolError:
		return "model provider sent a malformed response"
	case KindTimeout:
		return "turn timed out"
	case KindSessionBusy:
		return "session is busy"
	}
	return "internal error"
}
