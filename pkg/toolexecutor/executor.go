package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/errdefs"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Call is an approved tool call handed to the router.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Outcome is the router's report of one invocation.
type Outcome struct {
	ToolResult
	Duration time.Duration
}

// Config configures a Router.
type Config struct {
	Logs   *LogStore
	Logger zerolog.Logger
}

type registeredServer struct {
	service ToolService
	tools   map[string]ToolDescriptor
	schemas map[string]*gojsonschema.Schema
}

// Router resolves qualified tool names to services and invokes them.
type Router struct {
	logs   *LogStore
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	servers map[string]*registeredServer
	// submitted maps call ids to their submission time.
	submitted map[string]time.Time
}

// NewRouter creates an empty router.
func NewRouter(cfg Config) *Router {
	observability.EnsureRegistered()

	logs := cfg.Logs
	if logs == nil {
		logs = NewLogStore()
	}
	return &Router{
		logs:      logs,
		logger:    cfg.Logger,
		now:       time.Now,
		servers:   make(map[string]*registeredServer),
		submitted: make(map[string]time.Time),
	}
}

// Register adds a service under the logical name server and caches its tool
// descriptors. It returns the descriptors with qualified names.
func (r *Router) Register(ctx context.Context, server string, svc ToolService) ([]ToolDescriptor, error) {
	if strings.TrimSpace(server) == "" || strings.Contains(server, separator) {
		return nil, fmt.Errorf("%w: invalid server name %q", errdefs.ErrInvalidArgument, server)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: service is required", errdefs.ErrInvalidArgument)
	}

	descriptors, err := svc.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools of %s: %w", server, err)
	}

	entry := &registeredServer{
		service: svc,
		tools:   make(map[string]ToolDescriptor, len(descriptors)),
		schemas: make(map[string]*gojsonschema.Schema, len(descriptors)),
	}
	qualified := make([]ToolDescriptor, 0, len(descriptors))
	for _, desc := range descriptors {
		entry.tools[desc.Name] = desc
		if len(desc.Schema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(desc.Schema))
			if err != nil {
				// Arguments for this tool go to the service unvalidated.
				r.logger.Warn().Err(err).Str("server", server).Str("tool", desc.Name).Msg("Tool schema does not compile")
			} else {
				entry.schemas[desc.Name] = schema
			}
		}
		q := desc
		q.Name = QualifiedName(server, desc.Name)
		qualified = append(qualified, q)
	}

	r.mu.Lock()
	if _, exists := r.servers[server]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: server %s already registered", errdefs.ErrInvalidArgument, server)
	}
	r.servers[server] = entry
	r.mu.Unlock()

	r.logger.Info().Str("server", server).Int("tools", len(descriptors)).Msg("Tool server registered")
	return qualified, nil
}

// Servers returns the registered server names, sorted.
func (r *Router) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListTools returns every tool of every server with qualified names, sorted.
func (r *Router) ListTools(_ context.Context) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolDescriptor
	for server, entry := range r.servers {
		for _, desc := range entry.tools {
			q := desc
			q.Name = QualifiedName(server, desc.Name)
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve splits a qualified name and checks that the tool exists.
func (r *Router) Resolve(name string) (server, tool string, err error) {
	server, tool, ok := SplitQualifiedName(name)
	if !ok {
		return "", "", fmt.Errorf("%w: tool name %q is not qualified", errdefs.ErrInvalidArgument, name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.servers[server]
	if !ok {
		return server, tool, fmt.Errorf("tool server %s: %w", server, errdefs.ErrNotFound)
	}
	if _, ok := entry.tools[tool]; !ok {
		return server, tool, fmt.Errorf("tool %s: %w", name, errdefs.ErrNotFound)
	}
	return server, tool, nil
}

// Logs returns the execution log of toolCallID.
func (r *Router) Logs(toolCallID string) []ToolLog {
	return r.logs.Logs(toolCallID)
}

// LogStore exposes the router's log store.
func (r *Router) LogStore() *LogStore {
	return r.logs
}

// Prune forgets call ids submitted before retention ago together with
// their logs. It returns the number of ids dropped.
func (r *Router) Prune(retention time.Duration) int {
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	pruned := 0
	for id, at := range r.submitted {
		if at.Before(cutoff) {
			delete(r.submitted, id)
			pruned++
		}
	}
	r.mu.Unlock()

	r.logs.Prune(retention)
	return pruned
}

// Execute submits call to its service. A call id is accepted once; later
// submissions fail without reaching the service. Service failures and
// unsuccessful results are returned as *errdefs.ToolExecutionError, with the
// outcome still carrying the duration and error text. Cancellation of ctx
// yields an abort.
func (r *Router) Execute(ctx context.Context, call Call) (Outcome, error) {
	if call.ID == "" {
		return Outcome{}, fmt.Errorf("%w: tool call id is required", errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	if _, dup := r.submitted[call.ID]; dup {
		r.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: tool call %s was already submitted", errdefs.ErrInvalidTransition, call.ID)
	}
	r.submitted[call.ID] = r.now()
	r.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, r.logger).With().
		Str("tool_call_id", call.ID).
		Str("tool", call.Name).
		Logger()

	server, tool, err := r.Resolve(call.Name)
	if err != nil {
		r.logs.Append(call.ID, fmt.Sprintf("rejected: %v", err))
		return Outcome{ToolResult: ToolResult{Error: err.Error()}}, &errdefs.ToolExecutionError{Server: server, Tool: tool, Err: err}
	}

	r.mu.RLock()
	entry, ok := r.servers[server]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("tool server %s: %w", server, errdefs.ErrNotFound)
		r.logs.Append(call.ID, fmt.Sprintf("rejected: %v", err))
		return Outcome{ToolResult: ToolResult{Error: err.Error()}}, &errdefs.ToolExecutionError{Server: server, Tool: tool, Err: err}
	}
	schema := entry.schemas[tool]

	ctx, span := tracing.StartSpan(ctx, "conduit.tools", "execute",
		attribute.String("conduit.tool_call_id", call.ID),
		attribute.String("conduit.server", server),
		attribute.String("conduit.tool", tool),
	)

	r.logs.Append(call.ID, fmt.Sprintf("started %s", call.Name))
	logger.Debug().Msg("Executing tool")

	if err := validateArguments(schema, call.Arguments); err != nil {
		r.logs.Append(call.ID, fmt.Sprintf("error: %v", err))
		tracing.EndSpan(span, err, false)
		return Outcome{ToolResult: ToolResult{Error: err.Error()}}, &errdefs.ToolExecutionError{Server: server, Tool: tool, Err: err}
	}

	start := time.Now()
	result, execErr := entry.service.ExecuteTool(ctx, tool, call.Arguments)
	duration := time.Since(start)
	out := Outcome{ToolResult: result, Duration: duration}

	switch {
	case ctx.Err() != nil:
		r.logs.Append(call.ID, fmt.Sprintf("aborted after %dms", duration.Milliseconds()))
		tracing.EndSpan(span, nil, true)
		logger.Debug().Dur("duration", duration).Msg("Tool execution aborted")
		out.Success = false
		out.Error = "aborted"
		return out, errdefs.Aborted(ctx.Err().Error())

	case execErr != nil:
		out.Success = false
		out.Error = execErr.Error()
		err = &errdefs.ToolExecutionError{Server: server, Tool: tool, Err: execErr}

	case !result.Success:
		msg := result.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		out.Error = msg
		err = &errdefs.ToolExecutionError{Server: server, Tool: tool, Err: errors.New(msg)}
	}

	observability.RecordToolExecution(server, duration, err == nil)
	tracing.EndSpan(span, err, false)

	if err != nil {
		r.logs.Append(call.ID, fmt.Sprintf("error after %dms: %s", duration.Milliseconds(), out.Error))
		logger.Warn().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		return out, err
	}

	r.logs.Append(call.ID, fmt.Sprintf("executed in %dms", duration.Milliseconds()))
	logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
	return out, nil
}

// Close closes every registered service.
func (r *Router) Close() error {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*registeredServer)
	r.mu.Unlock()

	var errs []error
	for name, entry := range servers {
		if err := entry.service.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidArgument, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: argument validation failed: %s", errdefs.ErrInvalidArgument, strings.Join(msgs, "; "))
	}
	return nil
}
