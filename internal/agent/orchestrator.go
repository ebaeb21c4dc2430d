package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kohtravel/agentd/internal/backoff"
	"github.com/kohtravel/agentd/internal/observability"
	"github.com/kohtravel/agentd/internal/sessions"
	"github.com/kohtravel/agentd/pkg/models"
)

// ErrInvalidRequest indicates a turn request is missing required fields.
var ErrInvalidRequest = errors.New("invalid turn request")

// TurnState is a state of the turn state machine:
//
//	Idle → Thinking → (ExecutingTools → Thinking)* → Completed | Failed
type TurnState string

const (
	StateIdle           TurnState = "idle"
	StateThinking       TurnState = "thinking"
	StateExecutingTools TurnState = "executing_tools"
	StateCompleted      TurnState = "completed"
	StateFailed         TurnState = "failed"
)

// roundGuardNotice is appended as the closing assistant text when a turn
// exhausts its round budget.
const roundGuardNotice = "I stopped after %d rounds of tool calls without reaching a final answer. Ask me to continue if you want me to keep going."

// OrchestratorConfig configures one agent's turn loop.
type OrchestratorConfig struct {
	// Agent is the agent name passed to tools and used in metrics.
	Agent string

	// Project is recorded on new sessions.
	Project string

	// SystemPrompt returns the agent's base prompt. It is called once per
	// turn so prompt files can be reloaded while running. A per-session
	// override stored on the session takes precedence.
	SystemPrompt func() string

	// Model, MaxTokens and Temperature are passed to the provider unchanged.
	Model       string
	MaxTokens   int
	Temperature *float64

	// MaxRounds bounds provider calls per turn.
	// Default: 10
	MaxRounds int

	// TurnTimeout is the wall-clock budget of a turn.
	// Default: 120s
	TurnTimeout time.Duration

	// ProviderRetries is the number of extra attempts for a round whose
	// provider call failed as unavailable before producing any output.
	// Default: 2
	ProviderRetries int

	// RetryPolicy spaces provider retries.
	RetryPolicy backoff.BackoffPolicy

	// History bounds what the provider sees of the transcript.
	History HistoryPolicy
}

// DefaultOrchestratorConfig returns the default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Agent:           "kohtravel-agent",
		Project:         "kohtravel",
		MaxTokens:       4096,
		MaxRounds:       10,
		TurnTimeout:     120 * time.Second,
		ProviderRetries: 2,
		RetryPolicy:     backoff.DefaultPolicy(),
		History:         DefaultHistoryPolicy(),
	}
}

func sanitizeOrchestratorConfig(cfg OrchestratorConfig) OrchestratorConfig {
	defaults := DefaultOrchestratorConfig()
	if cfg.Agent == "" {
		cfg.Agent = defaults.Agent
	}
	if cfg.Project == "" {
		cfg.Project = defaults.Project
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaults.MaxRounds
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaults.TurnTimeout
	}
	if cfg.ProviderRetries < 0 {
		cfg.ProviderRetries = 0
	}
	if cfg.RetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.RetryPolicy = defaults.RetryPolicy
	}
	if cfg.SystemPrompt == nil {
		cfg.SystemPrompt = func() string { return "" }
	}
	cfg.History = cfg.History.withDefaults()
	return cfg
}

// Orchestrator drives turns for one agent. It is safe for concurrent use;
// turns for different sessions run independently and a second turn for a
// busy session is refused with ErrSessionBusy.
type Orchestrator struct {
	provider LLMProvider
	executor *Executor
	store    sessions.Store
	locker   sessions.Locker
	prompts  *PromptBuilder
	config   OrchestratorConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// OrchestratorOption configures optional collaborators.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records turn and provider metrics.
func WithMetrics(metrics *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithTracer traces turns and provider rounds.
func WithTracer(tracer *observability.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithPromptBuilder sets the builder for the CONTEXT block.
func WithPromptBuilder(builder *PromptBuilder) OrchestratorOption {
	return func(o *Orchestrator) { o.prompts = builder }
}

// NewOrchestrator wires a provider, an executor (and through it the tool
// registry), a conversation store and a session locker.
func NewOrchestrator(provider LLMProvider, executor *Executor, store sessions.Store, locker sessions.Locker, cfg OrchestratorConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if locker == nil {
		locker = sessions.NewLocalLocker()
	}

	o := &Orchestrator{
		provider: provider,
		executor: executor,
		store:    store,
		locker:   locker,
		config:   sanitizeOrchestratorConfig(cfg),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() OrchestratorConfig {
	return o.config
}

// Registry returns the tool registry advertised to the provider.
func (o *Orchestrator) Registry() *ToolRegistry {
	return o.executor.Registry()
}

// TurnRequest is one user message for a session.
type TurnRequest struct {
	SessionID string
	UserID    string
	Message   string

	// Context is the caller's context bundle. It reaches tools; only the
	// allowlisted keys are formatted into the prompt.
	Context map[string]any
}

// Run starts a turn and returns its event stream.
//
// The session lock is taken before anything else; if another turn holds it
// Run returns ErrSessionBusy and no state is touched. Otherwise the returned
// channel delivers the turn's events and is closed after EventDone. The
// caller must drain the channel or cancel ctx; cancelling ctx aborts the
// provider call and running tools.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (<-chan *models.Event, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	release, err := o.locker.TryLock(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionBusy) {
			return nil, ErrSessionBusy
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}

	events := make(chan *models.Event)
	t := &turn{
		o:      o,
		req:    req,
		events: events,
		reqCtx: ctx,
		state:  StateIdle,
		seen:   map[string]struct{}{},
		logger: o.logger.With(
			"session_id", req.SessionID,
			"agent", o.config.Agent,
			"request_id", observability.GetRequestID(ctx),
		),
	}
	go func() {
		defer close(events)
		defer release()
		t.run()
	}()
	return events, nil
}

// turn holds the state of one Run.
type turn struct {
	o      *Orchestrator
	req    TurnRequest
	events chan<- *models.Event
	reqCtx context.Context
	state  TurnState
	round  int
	seen   map[string]struct{}
	logger *slog.Logger
}

func (t *turn) transition(next TurnState) {
	t.logger.Debug("turn state", "from", t.state, "to", next, "round", t.round)
	t.state = next
}

// emit delivers e unless the caller has gone away.
func (t *turn) emit(e *models.Event) bool {
	select {
	case t.events <- e:
		return true
	case <-t.reqCtx.Done():
		return false
	}
}

func (t *turn) run() {
	o := t.o
	start := time.Now()
	o.metrics.TurnStarted()

	ctx := observability.AddSessionID(t.reqCtx, t.req.SessionID)
	if t.req.UserID != "" {
		ctx = observability.AddUserID(ctx, t.req.UserID)
	}
	ctx, span := o.tracer.Start(ctx, "agent.turn")
	defer span.End()

	turnCtx, cancel := context.WithTimeout(ctx, o.config.TurnTimeout)
	defer cancel()

	err := t.loop(turnCtx)

	outcome := "completed"
	switch {
	case err == nil:
		t.transition(StateCompleted)
	case t.reqCtx.Err() != nil:
		t.transition(StateFailed)
		outcome = "cancelled"
		t.logger.Info("turn cancelled by caller", "round", t.round)
	case errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		t.transition(StateFailed)
		outcome = string(KindTimeout)
		terr := &TurnError{State: t.state, Round: t.round, Kind: KindTimeout, Cause: ErrTurnTimeout,
			Message: fmt.Sprintf("turn exceeded %s", o.config.TurnTimeout)}
		t.logger.Warn("turn timed out", "round", t.round, "timeout", o.config.TurnTimeout)
		o.tracer.RecordError(span, terr)
		t.emit(models.NewErrorEvent(terr.Message, string(terr.Kind)))
	default:
		var terr *TurnError
		if !errors.As(err, &terr) {
			terr = newTurnError(t.state, t.round, err)
		}
		t.transition(StateFailed)
		outcome = string(terr.Kind)
		t.logger.Error("turn failed", "round", terr.Round, "kind", terr.Kind, "error", terr.Cause)
		o.tracer.RecordError(span, terr)
		t.emit(models.NewErrorEvent(safeMessage(terr, terr.Kind), string(terr.Kind)))
	}

	t.emit(models.NewDoneEvent())
	o.metrics.TurnFinished(o.config.Agent, outcome, time.Since(start))
}

func (t *turn) loop(ctx context.Context) error {
	o := t.o

	session, err := t.ensureSession(ctx)
	if err != nil {
		return storeError(StateIdle, 0, err)
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: t.req.SessionID,
		Role:      models.RoleUser,
		Content:   t.req.Message,
		CreatedAt: time.Now().UTC(),
	}
	if len(t.req.Context) > 0 {
		userMsg.Metadata = map[string]any{models.MetadataContextKey: t.req.Context}
	}
	if err := o.store.Append(ctx, t.req.SessionID, userMsg); err != nil {
		return storeError(StateIdle, 0, err)
	}

	bundle := ContextBundle{
		SessionID: t.req.SessionID,
		UserID:    t.req.UserID,
		Project:   o.config.Project,
		Agent:     o.config.Agent,
		Values:    t.req.Context,
	}
	base := session.SystemPrompt
	if base == "" {
		base = o.config.SystemPrompt()
	}
	system := o.prompts.Build(ctx, base, bundle)

	for t.round = 1; ; t.round++ {
		t.transition(StateThinking)

		history, err := o.store.History(ctx, t.req.SessionID)
		if err != nil {
			return storeError(StateThinking, t.round, err)
		}
		creq := &CompletionRequest{
			Model:       o.config.Model,
			System:      system,
			Messages:    ToCompletionMessages(BoundHistory(history, o.config.History)),
			Tools:       o.executor.Registry().List(),
			MaxTokens:   o.config.MaxTokens,
			Temperature: o.config.Temperature,
		}

		res, streamErr := t.think(ctx, creq)
		if perr := t.persistAssistant(ctx, res, streamErr != nil); perr != nil && streamErr == nil {
			return storeError(StateThinking, t.round, perr)
		}
		if streamErr != nil {
			return newTurnError(StateThinking, t.round, streamErr)
		}
		if len(res.calls) == 0 || res.reason != FinishToolUse {
			return nil
		}

		t.transition(StateExecutingTools)
		outcomes, execErr := o.executor.ExecuteRound(ctx, res.calls, bundle, func(out *ToolOutcome) {
			t.emit(models.NewToolResultEvent(out.Result()))
		})
		t.persistToolResults(ctx, res.calls, outcomes)
		if execErr != nil {
			return newTurnError(StateExecutingTools, t.round, execErr)
		}

		if t.round >= o.config.MaxRounds {
			t.logger.Warn("round limit reached", "max_rounds", o.config.MaxRounds)
			notice := fmt.Sprintf(roundGuardNotice, o.config.MaxRounds)
			msg := &models.Message{
				ID:        uuid.NewString(),
				SessionID: t.req.SessionID,
				Role:      models.RoleAssistant,
				Content:   notice,
				Metadata:  map[string]any{models.MetadataSyntheticKey: true},
				CreatedAt: time.Now().UTC(),
			}
			if err := o.store.Append(ctx, t.req.SessionID, msg); err != nil {
				t.logger.Error("persist round limit notice", "error", err)
			}
			t.emit(models.NewContentEvent(notice))
			return nil
		}
	}
}

func (t *turn) ensureSession(ctx context.Context) (*models.Session, error) {
	store := t.o.store
	session, err := store.GetSession(ctx, t.req.SessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	session = &models.Session{
		ID:        t.req.SessionID,
		UserID:    t.req.UserID,
		Project:   t.o.config.Project,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// roundResult accumulates what one provider round produced.
type roundResult struct {
	text    strings.Builder
	calls   []models.ToolCall
	reason  FinishReason
	emitted bool
}

// think runs the provider call of the current round, retrying calls that
// failed as unavailable before emitting anything.
func (t *turn) think(ctx context.Context, req *CompletionRequest) (*roundResult, error) {
	o := t.o
	var res *roundResult
	err := backoff.Retry(ctx, o.config.RetryPolicy, o.config.ProviderRetries+1,
		func(attempt int) error {
			if attempt > 1 {
				t.logger.Info("retrying provider", "attempt", attempt, "round", t.round)
			}
			var err error
			res, err = t.streamOnce(ctx, req)
			return err
		},
		func(err error) bool {
			return !res.emitted && ctx.Err() == nil && Classify(err) == KindProviderUnavailable
		},
	)
	if res == nil {
		res = &roundResult{}
	}
	return res, err
}

func (t *turn) streamOnce(ctx context.Context, req *CompletionRequest) (*roundResult, error) {
	o := t.o
	res := &roundResult{}
	model := req.Model
	start := time.Now()

	ctx, span := o.tracer.TraceLLMRequest(ctx, o.provider.Name(), model)
	defer span.End()

	status := "success"
	defer func() {
		o.metrics.RecordProviderRequest(o.provider.Name(), model, status, time.Since(start))
	}()

	stream, err := o.provider.Complete(ctx, req)
	if err != nil {
		status = "error"
		o.tracer.RecordError(span, err)
		return res, err
	}

	finished := false
	var streamErr error
	for !finished && streamErr == nil {
		var ev ProviderEvent
		var ok bool
		select {
		case <-ctx.Done():
			status = "cancelled"
			return res, ctx.Err()
		case ev, ok = <-stream:
		}
		if !ok {
			break
		}

		switch ev.Kind {
		case EventTextDelta:
			if ev.Text == "" {
				continue
			}
			res.text.WriteString(ev.Text)
			res.emitted = true
			t.emit(models.NewContentEvent(ev.Text))
		case EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			call := t.normalizeCall(*ev.ToolCall)
			res.calls = append(res.calls, call)
			res.emitted = true
			t.emit(models.NewToolCallEvent(call))
		case EventFinish:
			finished = true
			res.reason = ev.Reason
			if ev.Usage != nil {
				o.metrics.RecordTokens(o.provider.Name(), model, ev.Usage.InputTokens, ev.Usage.OutputTokens)
			}
			if ev.Reason == FinishError {
				streamErr = fmt.Errorf("%w: provider finished with an error", ErrProtocol)
			}
		case EventAdapterError:
			streamErr = ev.Err
			if streamErr == nil {
				streamErr = fmt.Errorf("%w: adapter error without cause", ErrProtocol)
			}
		}
	}

	if streamErr == nil && !finished {
		if ctx.Err() != nil {
			status = "cancelled"
			return res, ctx.Err()
		}
		streamErr = fmt.Errorf("%w: stream ended without a finish event", ErrProtocol)
	}
	if streamErr == nil && res.reason == FinishToolUse && len(res.calls) == 0 {
		streamErr = fmt.Errorf("%w: finish reason tool_use without tool calls", ErrProtocol)
	}
	if streamErr != nil {
		status = "error"
		o.tracer.RecordError(span, streamErr)
		return res, streamErr
	}
	return res, nil
}

// normalizeCall gives every call of the turn a unique, non-empty id.
func (t *turn) normalizeCall(call models.ToolCall) models.ToolCall {
	if _, dup := t.seen[call.ID]; call.ID == "" || dup {
		call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
	t.seen[call.ID] = struct{}{}
	if len(call.Input) == 0 {
		call.Input = []byte("{}")
	}
	return call
}

// persistCtx returns a context for writes that must land even when the turn
// context has expired.
func (t *turn) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

// persistAssistant closes the assistant turn of the round. When the round
// failed, tool calls that will never run are paired with synthetic failed
// results so the transcript stays valid for the next turn.
func (t *turn) persistAssistant(ctx context.Context, res *roundResult, failed bool) error {
	if res == nil || (res.text.Len() == 0 && len(res.calls) == 0) {
		return nil
	}
	ctx, cancel := t.persistCtx(ctx)
	defer cancel()

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: t.req.SessionID,
		Role:      models.RoleAssistant,
		Content:   res.text.String(),
		ToolCalls: res.calls,
		CreatedAt: time.Now().UTC(),
	}
	if failed {
		msg.Metadata = map[string]any{"partial": true}
	}
	if err := t.o.store.Append(ctx, t.req.SessionID, msg); err != nil {
		t.logger.Error("persist assistant turn", "error", err)
		return err
	}
	var skipped string
	switch {
	case failed:
		skipped = "tool call not executed: the turn failed"
	case res.reason != FinishToolUse && len(res.calls) > 0:
		// Finish(stop) ends the turn even with calls queued.
		t.logger.Warn("provider stopped with unexecuted tool calls", "round", t.round, "calls", len(res.calls))
		skipped = "tool call not executed: the model ended the turn"
	}
	if skipped != "" {
		for _, call := range res.calls {
			t.appendToolResult(ctx, models.ToolResult{
				ToolCallID: call.ID,
				Error:      skipped,
				Kind:       string(KindToolExecutionFailed),
			}, true)
		}
	}
	return nil
}

// storeError reports a conversation store failure without its driver text.
func storeError(state TurnState, round int, err error) *TurnError {
	return &TurnError{
		State:   state,
		Round:   round,
		Kind:    KindProviderUnavailable,
		Message: "conversation store unavailable",
		Cause:   err,
	}
}

// persistToolResults appends one tool turn per call in call order. Calls
// abandoned by a timeout or cancellation get a synthetic failed result.
func (t *turn) persistToolResults(ctx context.Context, calls []models.ToolCall, outcomes []*ToolOutcome) {
	ctx, cancel := t.persistCtx(ctx)
	defer cancel()

	for i, call := range calls {
		if i < len(outcomes) && outcomes[i] != nil {
			t.appendToolResult(ctx, outcomes[i].Result(), false)
			continue
		}
		t.appendToolResult(ctx, models.ToolResult{
			ToolCallID: call.ID,
			Error:      "tool call abandoned",
			Kind:       string(KindToolTimeout),
		}, true)
	}
}

func (t *turn) appendToolResult(ctx context.Context, result models.ToolResult, synthetic bool) {
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   t.req.SessionID,
		Role:        models.RoleTool,
		ToolResults: []models.ToolResult{result},
		CreatedAt:   time.Now().UTC(),
	}
	if synthetic {
		msg.Metadata = map[string]any{models.MetadataSyntheticKey: true}
	}
	if err := t.o.store.Append(ctx, t.req.SessionID, msg); err != nil {
		t.logger.Error("persist tool turn", "call_id", result.ToolCallID, "error", err)
	}
}
