package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conduit/pkg/errdefs"
)

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	tests := []struct {
		name    string
		data    string
		code    int
		wantErr bool
	}{
		{name: "valid", data: `{"id":"1","method":"tool.list"}`},
		{name: "bad json", data: `{"id":`, code: ParseError, wantErr: true},
		{name: "missing id", data: `{"method":"tool.list"}`, code: InvalidRequest, wantErr: true},
		{name: "missing method", data: `{"id":"1"}`, code: InvalidRequest, wantErr: true},
		{name: "explicit version", data: `{"jsonrpc":"2.0","id":"1","method":"tool.list"}`},
		{name: "wrong version", data: `{"jsonrpc":"1.0","id":"1","method":"tool.list"}`, code: InvalidRequest, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := router.ParseRequest([]byte(tt.data))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "2.0", req.JSONRPC)
				return
			}
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("echo", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	}))
	require.Error(t, router.RegisterMethod("nil", nil))

	resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "echo", Params: map[string]interface{}{"value": "hi"}})
	assert.Nil(t, resp.Error)
	assert.Equal(t, "hi", resp.Result)

	resp = router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)

	resp = router.RouteRequest(context.Background(), nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)

	assert.Equal(t, []string{"echo"}, router.GetMethods())
	router.UnregisterMethod("echo")
	assert.False(t, router.HasMethod("echo"))
}

func TestRPCRouter_IdempotencyReplaysResponse(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("count", func(context.Context, map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "a", Method: "count", IdempotencyKey: "k"})
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "b", Method: "count", IdempotencyKey: "k"})
	third := router.RouteRequest(context.Background(), &RPCRequest{ID: "c", Method: "count"})

	assert.Equal(t, 1, first.Result)
	assert.Equal(t, 1, second.Result)
	assert.Equal(t, "b", second.ID)
	assert.Equal(t, 2, third.Result)
	assert.Equal(t, 2, calls)
}

func TestReplayCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	t.Run("entries expire", func(t *testing.T) {
		c := newReplayCache(time.Minute, 10, clock)
		c.put("a", RPCResponse{ID: "1", Result: "x"})

		got, ok := c.get("a")
		require.True(t, ok)
		assert.Equal(t, "x", got.Result)

		now = now.Add(time.Minute)
		_, ok = c.get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, c.len())
	})

	t.Run("full cache drops the oldest entry", func(t *testing.T) {
		c := newReplayCache(time.Minute, 2, clock)
		c.put("a", RPCResponse{ID: "1"})
		now = now.Add(time.Second)
		c.put("b", RPCResponse{ID: "2"})
		now = now.Add(time.Second)
		c.put("c", RPCResponse{ID: "3"})

		assert.Equal(t, 2, c.len())
		_, ok := c.get("a")
		assert.False(t, ok)
		_, ok = c.get("c")
		assert.True(t, ok)
	})

	t.Run("cached errors are copies", func(t *testing.T) {
		c := newReplayCache(time.Minute, 2, clock)
		c.put("e", RPCResponse{Error: &RPCError{Code: Conflict, Message: "taken"}})

		first, _ := c.get("e")
		first.Error.Message = "changed"
		second, _ := c.get("e")
		assert.Equal(t, "taken", second.Error.Message)
	})
}

func TestToRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"not found", fmt.Errorf("tool call x: %w", errdefs.ErrNotFound), NotFound, "not_found"},
		{"invalid argument", fmt.Errorf("%w: messages required", errdefs.ErrInvalidArgument), InvalidParams, "invalid_argument"},
		{"duplicate stream", &errdefs.DuplicateStreamError{StreamID: "s1"}, Conflict, "duplicate_stream"},
		{"finalized", &errdefs.ToolCallAlreadyFinalizedError{ToolCallID: "t1", Status: "approved"}, Conflict, "tool_call_already_finalized"},
		{"aborted", errdefs.Aborted("user cancelled"), Aborted, "aborted"},
		{"provider", &errdefs.ProviderError{Provider: "openai", Retryable: true, Err: errors.New("503")}, ProviderFailure, "provider_error"},
		{"internal", errors.New("boom"), InternalError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := toRPCError(tt.err)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Equal(t, tt.kind, rpcErr.Data["kind"])
			assert.Equal(t, tt.err.Error(), rpcErr.Message)
		})
	}

	t.Run("resource limit names the limit", func(t *testing.T) {
		rpcErr := toRPCError(&errdefs.ResourceLimitExceeded{Limit: "maxParallelAgents", Current: 4, Max: 3})
		assert.Equal(t, ResourceLimit, rpcErr.Code)
		assert.Equal(t, "maxParallelAgents", rpcErr.Data["limit"])
	})

	t.Run("provider error reports retryable", func(t *testing.T) {
		rpcErr := toRPCError(&errdefs.ProviderError{Provider: "openai", Retryable: true, Err: errors.New("503")})
		assert.Equal(t, true, rpcErr.Data["retryable"])
	})

	t.Run("extra data is merged", func(t *testing.T) {
		rpcErr := toRPCError(&dataError{err: errdefs.Aborted("x"), data: map[string]interface{}{"execution_id": "e1"}})
		assert.Equal(t, "e1", rpcErr.Data["execution_id"])
		assert.Equal(t, "aborted", rpcErr.Data["kind"])
	})
}
