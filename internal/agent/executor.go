package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kohtravel/agentd/internal/observability"
	"github.com/kohtravel/agentd/pkg/models"
)

// ExecutorConfig configures the parallel tool executor behavior including
// concurrency limits and timeouts.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions per round
	// Default: 4
	MaxConcurrency int

	// DefaultTimeout is the default timeout for tool execution
	// Default: 30s
	DefaultTimeout time.Duration

	// ToolTimeouts overrides DefaultTimeout per tool name
	ToolTimeouts map[string]time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 4,
		DefaultTimeout: 30 * time.Second,
	}
}

// Executor validates and runs tool calls against a ToolRegistry.
//
// It performs no side effects of its own beyond invoking exactly one tool
// exactly once per call. Every failure is converted into a ToolOutcome; the
// executor never returns a tool failure as a Go error.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// ExecutorOption configures optional Executor collaborators.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger used for tool failures and panics.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorMetrics records tool execution counts and durations.
func WithExecutorMetrics(metrics *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = metrics }
}

// WithExecutorTracer wraps each tool execution in a span.
func WithExecutorTracer(tracer *observability.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

// NewExecutor creates an Executor. A nil config uses DefaultExecutorConfig.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig, opts ...ExecutorOption) *Executor {
	defaults := DefaultExecutorConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if registry == nil {
		registry = NewToolRegistry()
	}

	e := &Executor{
		registry: registry,
		config:   &cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor resolves tools from.
func (e *Executor) Registry() *ToolRegistry {
	return e.registry
}

// ToolOutcome is the structured result of one tool call.
type ToolOutcome struct {
	CallID   string
	Name     string
	Success  bool
	Content  json.RawMessage
	Error    string
	Kind     ErrorKind
	Fields   []string
	Metadata map[string]any
	Duration time.Duration
}

// Result converts the outcome into the stored tool result.
func (o *ToolOutcome) Result() models.ToolResult {
	return models.ToolResult{
		ToolCallID: o.CallID,
		Success:    o.Success,
		Content:    o.Content,
		Error:      o.Error,
		Kind:       string(o.Kind),
	}
}

func (e *Executor) timeoutFor(name string, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if d, ok := e.config.ToolTimeouts[name]; ok && d > 0 {
		return d
	}
	return e.config.DefaultTimeout
}

// Execute resolves, validates and runs a single tool call.
//
// Steps:
//  1. Unknown name → UnknownTool; nothing runs.
//  2. Arguments failing the schema → InvalidArguments naming the fields;
//     nothing runs.
//  3. The tool runs under timeout (zero selects the per-tool or default
//     timeout). Expiry → ToolTimeout; an error or panic → ToolExecutionFailed.
//  4. Success carries the tool's content and metadata plus the echoed
//     parameters under "parameters".
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, bundle ContextBundle, timeout time.Duration) *ToolOutcome {
	start := time.Now()
	outcome := e.execute(ctx, call, bundle, timeout)
	outcome.Duration = time.Since(start)

	status := "success"
	if !outcome.Success {
		status = string(outcome.Kind)
	}
	e.metrics.RecordToolExecution(call.Name, status, outcome.Duration)
	return outcome
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall, bundle ContextBundle, timeout time.Duration) *ToolOutcome {
	entry, ok := e.registry.resolveEntry(call.Name)
	if !ok {
		err := NewToolError(KindUnknownTool, call.Name, ErrToolNotFound).
			WithToolCallID(call.ID).
			WithMessage("unknown tool: " + call.Name)
		return failedOutcome(call, err)
	}

	if verr := validateArguments(call.Name, entry.schema, call.Input); verr != nil {
		verr.WithToolCallID(call.ID)
		return failedOutcome(call, verr)
	}

	timeout = e.timeoutFor(call.Name, timeout)
	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	output, err := e.executeWithTimeout(ctx, entry.tool, call, bundle, timeout)
	if err != nil {
		e.tracer.RecordError(span, err)
		kind := KindToolExecutionFailed
		var fields []string
		if toolErr, ok := GetToolError(err); ok && toolErr.Kind.IsToolLayer() {
			kind, fields = toolErr.Kind, toolErr.Fields
		}
		toolErr := &ToolError{
			Kind:       kind,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Message:    safeMessage(err, kind),
			Fields:     fields,
			Cause:      err,
		}
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"call_id", call.ID,
			"kind", kind,
			"error", err,
		)
		return failedOutcome(call, toolErr)
	}

	content, err := encodeContent(output)
	if err != nil {
		toolErr := NewToolError(KindToolExecutionFailed, call.Name, err).
			WithToolCallID(call.ID).
			WithMessage("tool returned content that cannot be encoded")
		return failedOutcome(call, toolErr)
	}

	metadata := echoParameters(call.Input)
	if output != nil {
		for k, v := range output.Metadata {
			if k == "parameters" {
				continue
			}
			metadata[k] = v
		}
	}

	return &ToolOutcome{
		CallID:   call.ID,
		Name:     call.Name,
		Success:  true,
		Content:  content,
		Metadata: metadata,
	}
}

// executeWithTimeout runs the tool in its own goroutine so that a tool that
// ignores its context can still be abandoned once the deadline passes.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, bundle ContextBundle, timeout time.Duration) (*ToolOutput, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		output *ToolOutput
		err    error
	}
	resultCh := make(chan execResult, 1)

	params := call.Input
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					"tool", call.Name,
					"call_id", call.ID,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				err := NewToolError(KindToolExecutionFailed, call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).
					WithToolCallID(call.ID).
					WithMessage("tool failed unexpectedly")
				resultCh <- execResult{err: err}
			}
		}()

		output, err := tool.Execute(execCtx, params, bundle)
		resultCh <- execResult{output: output, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutError(call, timeout)
		}
		return res.output, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(KindToolTimeout, call.Name, ctx.Err()).
				WithToolCallID(call.ID).
				WithMessage("tool execution cancelled")
		}
		return nil, timeoutError(call, timeout)
	}
}

func timeoutError(call models.ToolCall, timeout time.Duration) *ToolError {
	return NewToolError(KindToolTimeout, call.Name, ErrToolTimeout).
		WithToolCallID(call.ID).
		WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
}

// ExecuteRound runs every call of one round.
//
// Calls are dispatched in the order given, at most MaxConcurrency at a time.
// emit, when non-nil, is invoked from the calling goroutine once per outcome
// in completion order. The returned outcomes are in call order. If ctx ends
// before every call finished, ExecuteRound stops waiting, abandons the
// running tools (their contexts are cancelled) and returns ctx.Err().
func (e *Executor) ExecuteRound(ctx context.Context, calls []models.ToolCall, bundle ContextBundle, emit func(*ToolOutcome)) ([]*ToolOutcome, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type indexed struct {
		index   int
		outcome *ToolOutcome
	}
	done := make(chan indexed, len(calls))
	sem := make(chan struct{}, e.config.MaxConcurrency)
	outcomes := make([]*ToolOutcome, len(calls))

	dispatched := 0
	received := 0
	for i, call := range calls {
		// Acquire before spawning so dispatch follows call order.
		acquired := false
		for !acquired {
			select {
			case sem <- struct{}{}:
				acquired = true
			case res := <-done:
				outcomes[res.index] = res.outcome
				received++
				if emit != nil {
					emit(res.outcome)
				}
			case <-roundCtx.Done():
				return outcomes, ctx.Err()
			}
		}

		dispatched++
		go func(index int, call models.ToolCall) {
			defer func() { <-sem }()
			done <- indexed{index: index, outcome: e.Execute(roundCtx, call, bundle, 0)}
		}(i, call)
	}

	for received < dispatched {
		select {
		case res := <-done:
			outcomes[res.index] = res.outcome
			received++
			if emit != nil {
				emit(res.outcome)
			}
		case <-roundCtx.Done():
			return outcomes, ctx.Err()
		}
	}
	return outcomes, nil
}

func failedOutcome(call models.ToolCall, err *ToolError) *ToolOutcome {
	return &ToolOutcome{
		CallID:   call.ID,
		Name:     call.Name,
		Success:  false,
		Error:    err.Message,
		Kind:     err.Kind,
		Fields:   err.Fields,
		Metadata: echoParameters(call.Input),
	}
}

func echoParameters(params json.RawMessage) map[string]any {
	metadata := map[string]any{}
	if len(params) == 0 {
		return metadata
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err == nil {
		metadata["parameters"] = decoded
	}
	return metadata
}

func encodeContent(output *ToolOutput) (json.RawMessage, error) {
	if output == nil || output.Content == nil {
		return json.RawMessage("null"), nil
	}
	switch v := output.Content.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return json.Marshal(string(v))
		}
		return v, nil
	case []byte:
		return json.Marshal(string(v))
	default:
		return json.Marshal(v)
	}
}
