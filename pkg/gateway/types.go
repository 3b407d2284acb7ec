package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/harun/conduit/pkg/errdefs"
)

// StreamType groups events for clients that only render some of them.
type StreamType string

const (
	StreamTypeAssistant StreamType = "assistant"
	StreamTypeTool      StreamType = "tool"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error. Data carries "kind", the
// machine-readable error type, for errors raised by the engine.
type RPCError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated push.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge is sent to every new connection.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's answer to a challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of an AuthResponse.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}

// RequestHandler handles one RPC method.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	NotFound               = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	Conflict               = -32009
	ResourceLimit          = -32010
	Aborted                = -32011
	ProviderFailure        = -32012
	ToolFailure            = -32013
)

// dataError attaches extra fields to the RPC error built from err.
type dataError struct {
	err  error
	data map[string]interface{}
}

func (e *dataError) Error() string { return e.err.Error() }
func (e *dataError) Unwrap() error { return e.err }

// toRPCError maps an engine error onto a JSON-RPC error. The message is the
// error text verbatim.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	kind := errdefs.Kind(err)
	out := &RPCError{
		Code:    InternalError,
		Message: err.Error(),
		Data:    map[string]interface{}{"kind": kind},
	}
	switch kind {
	case "invalid_argument":
		out.Code = InvalidParams
	case "not_found":
		out.Code = NotFound
	case "duplicate_stream", "tool_call_already_finalized", "invalid_transition":
		out.Code = Conflict
	case "resource_limit_exceeded":
		out.Code = ResourceLimit
		var limit *errdefs.ResourceLimitExceeded
		if errors.As(err, &limit) {
			out.Data["limit"] = limit.Limit
		}
	case "aborted":
		out.Code = Aborted
	case "provider_error":
		out.Code = ProviderFailure
		out.Data["retryable"] = errdefs.IsRetryable(err)
	case "tool_execution_error":
		out.Code = ToolFailure
	}

	var extra *dataError
	if errors.As(err, &extra) {
		for k, v := range extra.data {
			out.Data[k] = v
		}
	}
	return out
}
