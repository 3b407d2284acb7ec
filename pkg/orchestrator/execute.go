package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/governor"
	"github.com/harun/conduit/pkg/history"
	"github.com/harun/conduit/pkg/ledger"
	"github.com/harun/conduit/pkg/provider"
	"github.com/harun/conduit/pkg/stream"
)

const deniedToolMessage = "The user denied this tool call."

// agentOutput is what one agent produced before it stopped.
type agentOutput struct {
	card governor.AgentCard
	// text is every round's text; for a round cut short only the part that
	// reached the UI.
	text  string
	calls []ledger.ToolCall
	// aborted marks an agent whose own stream was cancelled while the rest
	// of the execution went on.
	aborted bool
}

// execute drives a run from running to a terminal status.
func (e *Engine) execute(r *run, adapter provider.Adapter, streamIDs []string) {
	execID := r.turn.ExecutionID
	ctx, span := tracing.StartSpan(r.ctx, "conduit.orchestrator", "execution",
		attribute.String("conduit.stream_id", r.turn.StreamID),
		attribute.Int("conduit.agents", len(r.cards)),
	)

	e.appendHistory(ctx, r)

	var (
		outputs = make([]agentOutput, len(r.cards))
		err     error
	)
	if serr := e.governor.SetStatus(execID, governor.StatusRunning); serr != nil {
		err = errdefs.Aborted("execution ended before it started")
	} else {
		agentStreams := streamIDs
		if len(streamIDs) > 1 {
			agentStreams = streamIDs[1:]
		}
		tools := e.toolSpecs(ctx)

		g, gctx := errgroup.WithContext(ctx)
		for i, card := range r.cards {
			g.Go(func() error {
				out, err := e.runAgent(gctx, r, adapter, card, agentStreams[i], tools)
				outputs[i] = out
				return err
			})
		}
		err = g.Wait()
	}

	err = e.finish(ctx, r, outputs, err)
	tracing.EndSpan(span, err, errdefs.IsAborted(err))
}

// finish resolves the execution and its assistant message. It returns the
// error the execution ended with, nil on completion.
func (e *Engine) finish(ctx context.Context, r *run, outputs []agentOutput, err error) error {
	execID := r.turn.ExecutionID
	logger := tracing.LoggerFromContext(ctx, e.logger)
	defer e.streams.CancelOwner(execID)

	if err == nil && allAborted(outputs) {
		err = errdefs.Aborted("every agent was cancelled")
	}
	if ierr := e.interrupted(r); ierr != nil {
		err = ierr
	}

	content := synthesize(outputs, len(r.cards) > 1)

	switch {
	case errdefs.IsAborted(err):
		// Abort is idempotent; it runs the cascade when the abort did not
		// come through Cancel.
		_ = e.Abort(execID)
		e.updateHistory(ctx, r, content, history.StatusIncomplete, "")
		logger.Info().Msg("Execution ended aborted")
		return err

	case err != nil:
		if ferr := e.governor.Fail(execID, err); ferr != nil {
			logger.Debug().Err(ferr).Msg("Execution already terminal")
		}
		e.ledger.Fail(execID)
		e.updateHistory(ctx, r, content, history.StatusError, err.Error())
		logger.Warn().Err(err).Str("error_kind", errdefs.Kind(err)).Msg("Execution failed")
		return err
	}

	if serr := e.governor.SetStatus(execID, governor.StatusCompleting); serr != nil {
		e.updateHistory(ctx, r, content, history.StatusIncomplete, "")
		return errdefs.Aborted("execution aborted before synthesis")
	}
	e.updateHistory(ctx, r, content, history.StatusComplete, "")
	if serr := e.governor.SetStatus(execID, governor.StatusCompleted); serr != nil {
		e.updateHistory(ctx, r, content, history.StatusIncomplete, "")
		return errdefs.Aborted("execution aborted during synthesis")
	}
	logger.Info().Int("content_len", len(content)).Msg("Execution completed")
	return nil
}

// runAgent runs model rounds for one agent until the model stops asking for
// tools, the governor refuses another round, or the agent is cancelled.
func (e *Engine) runAgent(ctx context.Context, r *run, adapter provider.Adapter, card governor.AgentCard, streamID string, tools []provider.ToolSpec) (out agentOutput, err error) {
	execID := r.turn.ExecutionID
	ctx = tracing.PropagateToAgent(ctx, card.RuntimeID, streamID)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	out.card = card
	var texts []string
	defer func() {
		out.text = joinNonEmpty(texts)
		status := governor.AgentCompleted
		switch {
		case out.aborted || errdefs.IsAborted(err):
			status = governor.AgentAborted
		case err != nil:
			status = governor.AgentFailed
		}
		// Fails once the execution is terminal; the governor has finalized
		// the cards by then.
		_ = e.governor.UpdateAgent(execID, card.RuntimeID, status, "")
	}()

	if err = e.governor.UpdateAgent(execID, card.RuntimeID, governor.AgentRunning, ""); err != nil {
		return out, errdefs.Aborted("execution ended before agent start")
	}
	msgs := agentMessages(r.req, card, len(r.cards) > 1)

	for {
		if _, err = e.governor.Iterate(execID, len(msgs)); err != nil {
			if ierr := e.interrupted(r); ierr != nil {
				return out, ierr
			}
			return out, err
		}

		token, berr := e.streams.Begin(ctx, streamID, stream.BeginOptions{Owner: execID, ProviderKind: string(adapter.Kind())})
		if berr != nil {
			return out, berr
		}
		src, oerr := adapter.Open(token, provider.Request{
			Messages:  msgs,
			Model:     r.req.Model,
			Kind:      adapter.Kind(),
			Knowledge: r.req.Knowledge,
			Tools:     tools,
			MaxTokens: r.req.MaxTokens,
		})
		if oerr != nil {
			_ = e.streams.Fail(streamID, oerr)
			if errdefs.IsAborted(oerr) && ctx.Err() == nil && e.interrupted(r) == nil {
				out.aborted = true
				return out, nil
			}
			return out, oerr
		}

		res, perr := e.streams.Pump(streamID, src)
		if perr != nil {
			texts = append(texts, res.Delivered)
			if errdefs.IsAborted(perr) && ctx.Err() == nil && e.interrupted(r) == nil {
				logger.Info().Msg("Agent stream cancelled")
				out.aborted = true
				return out, nil
			}
			return out, perr
		}
		texts = append(texts, res.Text)

		calls := res.Final.ToolCalls
		if len(calls) == 0 {
			return out, nil
		}

		msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: res.Text, ToolCalls: calls})
		results, terr := e.runTools(ctx, r, calls, &out)
		if terr != nil {
			return out, terr
		}
		msgs = append(msgs, results...)
	}
}

// runTools proposes calls to the ledger, waits for every one to be
// terminal and returns one tool message per call, in proposal order.
func (e *Engine) runTools(ctx context.Context, r *run, calls []provider.ProposedCall, out *agentOutput) ([]provider.Message, error) {
	ids := make([]string, 0, len(calls))
	pending := 0
	for _, c := range calls {
		tc, err := e.ledger.Propose(ctx, ledger.Proposal{
			ExecutionID:  r.turn.ExecutionID,
			MessageID:    r.turn.MessageID,
			FunctionName: c.Name,
			Arguments:    c.Arguments,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, tc.ID)
		if tc.Status == ledger.StatusPending {
			pending++
		}
	}
	e.patchToolCalls(ctx, r)

	if pending > 0 {
		if err := e.enterAwaitingHuman(r); err != nil {
			return nil, err
		}
	}
	err := e.ledger.Wait(ctx, ids...)
	if pending > 0 {
		e.leaveAwaitingHuman(r)
	}
	if err != nil {
		return nil, err
	}
	if err := e.interrupted(r); err != nil {
		return nil, err
	}

	results := make([]provider.Message, len(calls))
	for i, id := range ids {
		tc, err := e.ledger.Get(id)
		if err != nil {
			return nil, err
		}
		out.calls = append(out.calls, tc)
		results[i] = provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Name,
			Content:    toolMessage(tc),
		}
	}
	e.patchToolCalls(ctx, r)
	return results, nil
}

// enterAwaitingHuman moves the execution to awaiting_human when the first
// agent starts waiting on a pending call.
func (e *Engine) enterAwaitingHuman(r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiting++
	if r.waiting > 1 {
		return nil
	}
	if err := e.governor.SetStatus(r.turn.ExecutionID, governor.StatusAwaitingHuman); err != nil {
		r.waiting--
		return errdefs.Aborted("execution ended while proposing tool calls")
	}
	return nil
}

// leaveAwaitingHuman resumes the execution once no agent is waiting.
func (e *Engine) leaveAwaitingHuman(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiting--
	if r.waiting == 0 {
		_ = e.governor.SetStatus(r.turn.ExecutionID, governor.StatusRunning)
	}
}

// interrupted reports an abort when the run was cancelled or the execution
// already reached a terminal status elsewhere.
func (e *Engine) interrupted(r *run) error {
	if r.ctx.Err() != nil {
		return errdefs.Aborted("execution aborted")
	}
	if exec, err := e.governor.Snapshot(r.turn.ExecutionID); err == nil && exec.Status == governor.StatusAborted {
		return errdefs.Aborted("execution aborted")
	}
	return nil
}

func (e *Engine) toolSpecs(ctx context.Context) []provider.ToolSpec {
	if e.tools == nil {
		return nil
	}
	descs := e.tools.ListTools(ctx)
	specs := make([]provider.ToolSpec, len(descs))
	for i, d := range descs {
		specs[i] = provider.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return specs
}

func (e *Engine) appendHistory(ctx context.Context, r *run) {
	if e.history == nil || r.chatID == "" {
		return
	}
	now := time.Now()
	err := e.history.AppendMessage(ctx, r.chatID, history.Message{
		ID:          r.turn.MessageID,
		Role:        string(provider.RoleAssistant),
		Status:      history.StatusStreaming,
		ExecutionID: r.turn.ExecutionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().Err(err).Msg("Failed to append assistant message")
	}
}

func (e *Engine) updateHistory(ctx context.Context, r *run, content, status, errMsg string) {
	if e.history == nil || r.chatID == "" {
		return
	}
	patch := history.Patch{
		Content:   &content,
		Status:    &status,
		ToolCalls: historyCalls(e.ledger.ListByMessage(r.turn.MessageID)),
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if err := e.history.UpdateMessage(ctx, r.chatID, r.turn.MessageID, patch); err != nil {
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().Err(err).Msg("Failed to update assistant message")
	}
}

func (e *Engine) patchToolCalls(ctx context.Context, r *run) {
	if e.history == nil || r.chatID == "" {
		return
	}
	patch := history.Patch{ToolCalls: historyCalls(e.ledger.ListByMessage(r.turn.MessageID))}
	if err := e.history.UpdateMessage(ctx, r.chatID, r.turn.MessageID, patch); err != nil {
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().Err(err).Msg("Failed to record tool calls")
	}
}

func historyCalls(calls []ledger.ToolCall) []history.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]history.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = history.ToolCall{
			ID:              c.ID,
			FunctionName:    c.FunctionName,
			Arguments:       c.Arguments,
			Status:          string(c.Status),
			Result:          c.Result,
			Error:           c.Error,
			ExecutionTimeMs: c.ExecutionTimeMs,
		}
	}
	return out
}

// agentMessages builds an agent's conversation. Swarm agents get their role
// and task as a trailing user message.
func agentMessages(req TurnRequest, card governor.AgentCard, swarm bool) []provider.Message {
	msgs := make([]provider.Message, len(req.Messages), len(req.Messages)+1)
	copy(msgs, req.Messages)
	if swarm {
		msgs = append(msgs, provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("You are the %s agent. Your task: %s", card.Role, card.CurrentTask),
		})
	}
	return msgs
}

func toolMessage(tc ledger.ToolCall) string {
	switch tc.Status {
	case ledger.StatusExecuted:
		return tc.Result
	case ledger.StatusDenied:
		return deniedToolMessage
	default:
		return "Tool call failed: " + tc.Error
	}
}

// synthesize merges agent outputs into the final assistant message. A
// single agent's text is used as is; swarm outputs get one section per
// agent in admission order.
func synthesize(outputs []agentOutput, swarm bool) string {
	if !swarm {
		if len(outputs) == 0 {
			return ""
		}
		return outputs[0].text
	}

	var b strings.Builder
	for _, out := range outputs {
		if out.text == "" && len(out.calls) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s", out.card.Role)
		if out.aborted {
			b.WriteString(" (cancelled)")
		}
		b.WriteString("\n\n")
		b.WriteString(out.text)
		for _, c := range out.calls {
			fmt.Fprintf(&b, "\n- %s: %s", c.FunctionName, c.Status)
		}
	}
	return b.String()
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func allAborted(outputs []agentOutput) bool {
	if len(outputs) == 0 {
		return false
	}
	for _, out := range outputs {
		if !out.aborted {
			return false
		}
	}
	return true
}
