package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/events"
	"github.com/harun/conduit/pkg/governor"
	"github.com/harun/conduit/pkg/history"
	"github.com/harun/conduit/pkg/ledger"
	"github.com/harun/conduit/pkg/provider"
	"github.com/harun/conduit/pkg/stream"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// DefaultRole names the agent of a turn that did not ask for a swarm.
const DefaultRole = "assistant"

// ProviderSource selects an adapter by kind. *provider.Set implements it.
type ProviderSource interface {
	Adapter(kind provider.Kind) (provider.Adapter, error)
}

// ToolCatalog lists routable tools and their logs. *toolexecutor.Router
// implements it.
type ToolCatalog interface {
	ListTools(ctx context.Context) []toolexecutor.ToolDescriptor
	Logs(toolCallID string) []toolexecutor.ToolLog
}

// HistoryStore receives the assistant messages of a turn. *history.Store
// implements it.
type HistoryStore interface {
	AppendMessage(ctx context.Context, chatID string, msg history.Message) error
	UpdateMessage(ctx context.Context, chatID, messageID string, patch history.Patch) error
}

// AgentSpec asks for one swarm agent.
type AgentSpec struct {
	Role string `json:"role"`
	Task string `json:"task"`
}

// TurnRequest is one user turn.
type TurnRequest struct {
	ChatID string `json:"chat_id"`
	// StreamID is optional; a nanoid is assigned when empty.
	StreamID  string                   `json:"stream_id,omitempty"`
	Messages  []provider.Message       `json:"messages"`
	Model     string                   `json:"model,omitempty"`
	Provider  provider.Kind            `json:"provider,omitempty"`
	Knowledge *provider.KnowledgeScope `json:"knowledge,omitempty"`
	MaxTokens int                      `json:"max_tokens,omitempty"`
	// Agents turns the request into a swarm turn. Empty means one agent.
	Agents []AgentSpec `json:"agents,omitempty"`
}

// Turn identifies a submitted turn.
type Turn struct {
	StreamID    string `json:"stream_id"`
	ExecutionID string `json:"execution_id"`
	MessageID   string `json:"message_id"`
}

// Config wires an Engine to the components it sequences.
type Config struct {
	Providers       ProviderSource
	DefaultProvider provider.Kind
	Streams         *stream.Registry
	Ledger          *ledger.Ledger
	Governor        *governor.Governor
	Tools           ToolCatalog
	// History is optional.
	History HistoryStore
	Bus     *events.Bus
	Logger  zerolog.Logger
}

// run is one live execution.
type run struct {
	turn   Turn
	chatID string
	req    TurnRequest
	cards  []governor.AgentCard

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiting int
}

// Engine is the Agent Execution Graph and the UI boundary.
type Engine struct {
	providers       ProviderSource
	defaultProvider provider.Kind
	streams         *stream.Registry
	ledger          *ledger.Ledger
	governor        *governor.Governor
	tools           ToolCatalog
	history         HistoryStore
	bus             *events.Bus
	logger          zerolog.Logger

	mu       sync.Mutex
	runs     map[string]*run   // by execution id
	streamOf map[string]string // stream id -> execution id
	closed   bool

	wg sync.WaitGroup
}

// New creates an engine. Providers, Streams, Ledger and Governor are
// required.
func New(cfg Config) (*Engine, error) {
	if cfg.Providers == nil || cfg.Streams == nil || cfg.Ledger == nil || cfg.Governor == nil {
		return nil, fmt.Errorf("%w: providers, streams, ledger and governor are required", errdefs.ErrInvalidArgument)
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &Engine{
		providers:       cfg.Providers,
		defaultProvider: cfg.DefaultProvider,
		streams:         cfg.Streams,
		ledger:          cfg.Ledger,
		governor:        cfg.Governor,
		tools:           cfg.Tools,
		history:         cfg.History,
		bus:             bus,
		logger:          cfg.Logger,
		runs:            make(map[string]*run),
		streamOf:        make(map[string]string),
	}, nil
}

// SubmitTurn admits a turn and starts it in the background. Admission is
// synchronous: a governor rejection is returned here, with the execution
// already recorded as failed, so the caller can surface it.
func (e *Engine) SubmitTurn(ctx context.Context, req TurnRequest) (Turn, error) {
	if len(req.Messages) == 0 {
		return Turn{}, fmt.Errorf("%w: a turn needs at least one message", errdefs.ErrInvalidArgument)
	}
	if req.Provider == "" {
		req.Provider = e.defaultProvider
	}
	adapter, err := e.providers.Adapter(req.Provider)
	if err != nil {
		return Turn{}, err
	}
	if req.StreamID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return Turn{}, fmt.Errorf("generate stream id: %w", err)
		}
		req.StreamID = id
	}

	specs := req.Agents
	if len(specs) == 0 {
		specs = []AgentSpec{{Role: DefaultRole, Task: lastUser(req.Messages)}}
	}
	streamIDs := agentStreamIDs(req.StreamID, len(req.Agents))

	if err := e.reserve(streamIDs); err != nil {
		return Turn{}, err
	}

	exec, err := e.governor.Begin(governor.BeginRequest{ChatID: req.ChatID, ConversationLength: len(req.Messages)})
	if err != nil {
		e.unreserve(streamIDs)
		return Turn{StreamID: req.StreamID, ExecutionID: exec.ID}, err
	}

	cards := make([]governor.AgentCard, len(specs))
	for i, spec := range specs {
		cards[i] = governor.AgentCard{RuntimeID: uuid.NewString(), Role: spec.Role, CurrentTask: spec.Task}
	}
	cards, err = e.governor.AdmitAgents(exec.ID, cards, len(req.Messages))
	if err != nil {
		e.unreserve(streamIDs)
		return Turn{StreamID: req.StreamID, ExecutionID: exec.ID}, err
	}

	runCtx, cancel := context.WithCancel(tracing.NewExecutionContext(tracing.Detach(ctx), exec.ID, req.ChatID))
	r := &run{
		turn:   Turn{StreamID: req.StreamID, ExecutionID: exec.ID, MessageID: uuid.NewString()},
		chatID: req.ChatID,
		req:    req,
		cards:  cards,
		ctx:    runCtx,
		cancel: cancel,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		e.unreserve(streamIDs)
		e.governor.Abort(exec.ID)
		return r.turn, errdefs.Aborted("engine is shutting down")
	}
	e.runs[exec.ID] = r
	for _, id := range streamIDs {
		e.streamOf[id] = exec.ID
	}
	e.wg.Add(1)
	e.mu.Unlock()

	logger := tracing.LoggerFromContext(runCtx, e.logger)
	logger.Info().
		Str("stream_id", req.StreamID).
		Str("provider", string(adapter.Kind())).
		Int("agents", len(cards)).
		Msg("Turn submitted")

	go func() {
		defer e.wg.Done()
		defer e.release(r, streamIDs)
		e.execute(r, adapter, streamIDs)
	}()
	return r.turn, nil
}

// Cancel cancels a stream. A root stream id aborts its whole execution; an
// agent stream id aborts that agent only; a stream that belongs to no
// execution is cancelled directly. Cancelling an unknown or finished id is
// a no-op.
func (e *Engine) Cancel(streamID string) error {
	e.mu.Lock()
	execID, owned := e.streamOf[streamID]
	r := e.runs[execID]
	e.mu.Unlock()

	if owned && r != nil && r.turn.StreamID == streamID {
		return e.Abort(execID)
	}
	e.streams.Cancel(streamID)
	return nil
}

// Abort runs the abort cascade for an execution: the execution moves to
// aborted, its tool calls are sealed, its context is cancelled and then its
// stream sessions are cancelled. Sealing precedes the cancel so tool calls
// interrupted by it publish nothing; the stream sweep follows it so no
// session can be begun after the sweep. Aborting a finished execution is a
// no-op.
func (e *Engine) Abort(executionID string) error {
	e.mu.Lock()
	r := e.runs[executionID]
	e.mu.Unlock()

	if r == nil {
		if _, err := e.governor.Snapshot(executionID); err != nil {
			return err
		}
		return nil
	}
	if !e.governor.Abort(executionID) {
		return nil
	}

	report := e.ledger.Seal(executionID)
	r.cancel()
	streams := e.streams.CancelOwner(executionID)

	observability.RecordAbortAudit(r.ctx, executionID, streams, report.Denied+report.Aborted)
	logger := tracing.LoggerFromContext(r.ctx, e.logger)
	logger.Info().
		Int("streams", streams).
		Int("tool_calls_denied", report.Denied).
		Int("tool_calls_aborted", report.Aborted).
		Msg("Execution aborted")
	return nil
}

// ApproveTool approves a pending tool call.
func (e *Engine) ApproveTool(toolCallID string) (ledger.ToolCall, error) {
	return e.ledger.Approve(toolCallID)
}

// DenyTool denies a pending tool call.
func (e *Engine) DenyTool(toolCallID string) (ledger.ToolCall, error) {
	return e.ledger.Deny(toolCallID)
}

// Events is the push stream consumed by the UI.
func (e *Engine) Events() *events.Bus { return e.bus }

// Subscribe is shorthand for Events().On.
func (e *Engine) Subscribe(kind events.Kind, handler events.Handler) (unsubscribe func()) {
	return e.bus.On(kind, handler)
}

// Execution returns a snapshot of one execution.
func (e *Engine) Execution(executionID string) (governor.AgentExecution, error) {
	return e.governor.Snapshot(executionID)
}

// ToolCall returns a snapshot of one tool call.
func (e *Engine) ToolCall(toolCallID string) (ledger.ToolCall, error) {
	return e.ledger.Get(toolCallID)
}

// ToolLogs returns the execution log of one tool call.
func (e *Engine) ToolLogs(toolCallID string) []toolexecutor.ToolLog {
	if e.tools == nil {
		return nil
	}
	return e.tools.Logs(toolCallID)
}

// Tools lists every routable tool.
func (e *Engine) Tools(ctx context.Context) []toolexecutor.ToolDescriptor {
	if e.tools == nil {
		return nil
	}
	return e.tools.ListTools(ctx)
}

// Streams lists open stream sessions.
func (e *Engine) Streams() []stream.Info {
	return e.streams.Open()
}

// Shutdown aborts every live execution and waits for their goroutines and
// in-flight tool calls to finish, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.Abort(id); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.ledger.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// reserve claims stream ids for a turn being admitted.
func (e *Engine) reserve(streamIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errdefs.Aborted("engine is shutting down")
	}
	for _, id := range streamIDs {
		if _, taken := e.streamOf[id]; taken {
			return &errdefs.DuplicateStreamError{StreamID: id}
		}
	}
	for _, id := range streamIDs {
		e.streamOf[id] = ""
	}
	return nil
}

func (e *Engine) unreserve(streamIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range streamIDs {
		delete(e.streamOf, id)
	}
}

func (e *Engine) release(r *run, streamIDs []string) {
	r.cancel()
	e.mu.Lock()
	delete(e.runs, r.turn.ExecutionID)
	for _, id := range streamIDs {
		delete(e.streamOf, id)
	}
	e.mu.Unlock()
}

// agentStreamIDs returns the stream id of every agent. A single-agent turn
// streams under the root id.
func agentStreamIDs(root string, swarm int) []string {
	if swarm == 0 {
		return []string{root}
	}
	ids := make([]string, swarm+1)
	ids[0] = root
	for i := 1; i <= swarm; i++ {
		ids[i] = fmt.Sprintf("%s.%d", root, i)
	}
	return ids
}

func lastUser(msgs []provider.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == provider.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
