package gateway

import (
	"context"

	"github.com/harun/conduit/pkg/events"
	"github.com/harun/conduit/pkg/governor"
	"github.com/harun/conduit/pkg/ledger"
	"github.com/harun/conduit/pkg/orchestrator"
	"github.com/harun/conduit/pkg/stream"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// Engine is the UI boundary the gateway exposes. *orchestrator.Engine
// implements it.
type Engine interface {
	SubmitTurn(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.Turn, error)
	Cancel(streamID string) error
	ApproveTool(toolCallID string) (ledger.ToolCall, error)
	DenyTool(toolCallID string) (ledger.ToolCall, error)
	ToolLogs(toolCallID string) []toolexecutor.ToolLog
	Tools(ctx context.Context) []toolexecutor.ToolDescriptor
	Execution(executionID string) (governor.AgentExecution, error)
	Streams() []stream.Info
	Subscribe(kind events.Kind, handler events.Handler) (unsubscribe func())
}

func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"turn.submit":     s.handleTurnSubmit,
		"turn.cancel":     s.handleTurnCancel,
		"tool.approve":    s.handleToolApprove,
		"tool.deny":       s.handleToolDeny,
		"tool.logs":       s.handleToolLogs,
		"tool.list":       s.handleToolList,
		"execution.get":   s.handleExecutionGet,
		"stream.list":     s.handleStreamList,
		"gateway.clients": s.handleClients,
	}
	for name, handler := range methods {
		if err := s.router.RegisterMethod(name, handler); err != nil {
			s.logger.Error().Err(err).Str("method", name).Msg("Failed to register method")
		}
	}
}

func (s *Server) handleTurnSubmit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req orchestrator.TurnRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	turn, err := s.engine.SubmitTurn(ctx, req)
	if err != nil {
		if turn.ExecutionID != "" {
			return nil, &dataError{err: err, data: map[string]interface{}{"execution_id": turn.ExecutionID}}
		}
		return nil, err
	}
	return turn, nil
}

func (s *Server) handleTurnCancel(_ context.Context, params map[string]interface{}) (interface{}, error) {
	streamID, err := requireString(params, "stream_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Cancel(streamID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"stream_id": streamID, "cancelled": true}, nil
}

func (s *Server) handleToolApprove(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "tool_call_id")
	if err != nil {
		return nil, err
	}
	return s.engine.ApproveTool(id)
}

func (s *Server) handleToolDeny(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "tool_call_id")
	if err != nil {
		return nil, err
	}
	return s.engine.DenyTool(id)
}

func (s *Server) handleToolLogs(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "tool_call_id")
	if err != nil {
		return nil, err
	}
	logs := s.engine.ToolLogs(id)
	if logs == nil {
		logs = []toolexecutor.ToolLog{}
	}
	return map[string]interface{}{"tool_call_id": id, "logs": logs}, nil
}

func (s *Server) handleToolList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	tools := s.engine.Tools(ctx)
	if tools == nil {
		tools = []toolexecutor.ToolDescriptor{}
	}
	return map[string]interface{}{"tools": tools}, nil
}

func (s *Server) handleExecutionGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requireString(params, "execution_id")
	if err != nil {
		return nil, err
	}
	return s.engine.Execution(id)
}

func (s *Server) handleStreamList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	streams := s.engine.Streams()
	if streams == nil {
		streams = []stream.Info{}
	}
	return map[string]interface{}{"streams": streams}, nil
}

func (s *Server) handleClients(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.clients.Infos()}, nil
}
