package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
)

const (
	replayTTL        = 5 * time.Minute
	replayMaxEntries = 1024
)

// RPCRouter dispatches requests to registered methods.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replay  *replayCache
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replay:  newReplayCache(replayTTL, replayMaxEntries, time.Now),
	}
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", name)
	}

	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// ParseRequest decodes one request frame.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{
			Code:    ParseError,
			Message: "Parse error",
			Data:    map[string]interface{}{"detail": err.Error()},
		}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC != "" && req.JSONRPC != "2.0":
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid request: unsupported jsonrpc version %q", req.JSONRPC)}
	}
	req.JSONRPC = "2.0"
	return &req, nil
}

// RouteRequest runs req. A request carrying an idempotency key gets the
// stored response of an earlier request with the same method and key.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: InvalidRequest, Message: "invalid request"},
		}
	}

	key := replayKey(req.Method, req.IdempotencyKey)
	if key != "" {
		if cached, ok := r.replay.get(key); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	response := r.dispatch(ctx, req)
	if key != "" {
		r.replay.put(key, *response)
	}
	return response
}

func (r *RPCRouter) dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	response := &RPCResponse{ID: req.ID, JSONRPC: "2.0"}
	if !exists {
		observability.RecordGatewayRejected("method_not_found")
		response.Error = &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)}
		return response
	}

	start := time.Now()
	result, err := handler(ctx, req.Params)
	if err != nil {
		response.Error = toRPCError(err)
		observability.RecordGatewayRequest(req.Method, "error", time.Since(start))
		return response
	}
	response.Result = result
	observability.RecordGatewayRequest(req.Method, "ok", time.Since(start))
	return response
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names in sorted order.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	r.mu.RUnlock()

	sort.Strings(methods)
	return methods
}

func replayKey(method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + ":" + idempotencyKey
}

// replayCache holds responses for idempotent retries. Entries expire after
// ttl; when full, the entry closest to expiry is dropped.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]replayEntry
}

type replayEntry struct {
	response  RPCResponse
	expiresAt time.Time
}

func newReplayCache(ttl time.Duration, max int, now func() time.Time) *replayCache {
	return &replayCache{
		ttl:     ttl,
		max:     max,
		now:     now,
		entries: make(map[string]replayEntry),
	}
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return entry.response.clone(), true
}

func (c *replayCache) put(key string, response RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.entries[key] = replayEntry{response: response.clone(), expiresAt: now.Add(c.ttl)}
}

func (c *replayCache) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// clone copies the response envelope; Result is shared.
func (r RPCResponse) clone() RPCResponse {
	out := r
	if r.Error != nil {
		errCopy := *r.Error
		out.Error = &errCopy
	}
	return out
}

// decodeParams converts loosely typed params into dst.
func decodeParams(params map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: "invalid params: " + err.Error()}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &RPCError{Code: InvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// requireString returns params[key] or an InvalidParams error.
func requireString(params map[string]interface{}, key string) (string, error) {
	v, _ := params[key].(string)
	if v == "" {
		return "", &RPCError{Code: InvalidParams, Message: key + " is required"}
	}
	return v, nil
}
