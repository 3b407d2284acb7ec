package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
)

const maxMessageSize = 1 << 20

// Server is the WebSocket / HTTP JSON-RPC front of the engine.
type Server struct {
	addr         string
	sharedSecret string
	tickInterval time.Duration
	rpm          int
	maxInFlight  int

	engine      Engine
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	server      *http.Server
	listener    net.Listener
	unsubscribe func()

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	connWG         sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host string
	// Port 0 picks a free port; see Addr.
	Port         int
	SharedSecret string
	TickInterval time.Duration
	// RequestsPerMinute and MaxConcurrent bound each client.
	RequestsPerMinute int
	MaxConcurrent     int
	Engine            Engine
	Logger            zerolog.Logger
}

// NewServer creates a gateway bound to cfg.Engine.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}

	clients := NewClientRegistry()
	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		sharedSecret: cfg.SharedSecret,
		tickInterval: cfg.TickInterval,
		rpm:          cfg.RequestsPerMinute,
		maxInFlight:  cfg.MaxConcurrent,
		engine:       cfg.Engine,
		clients:      clients,
		router:       NewRPCRouter(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, cfg.Logger),
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start subscribes to engine events, binds the listener and serves in the
// background. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	// An empty kind subscribes to every event.
	s.unsubscribe = s.engine.Subscribe("", s.broadcaster.Forward)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	s.startTickEmitter()
	return nil
}

// Addr is the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop refuses new work, waits for in-flight requests (bounded by ctx),
// disconnects every client and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	s.broadcaster.Broadcast("server.shutdown", StreamTypeLifecycle, map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	for _, client := range s.clients.All() {
		client.Close()
	}

	var err error
	if s.server != nil {
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown server: %w", shutdownErr)
		}
	}
	s.connWG.Wait()
	s.logger.Info().Msg("Gateway server stopped")
	return err
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", StreamTypeLifecycle, map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		_ = conn.Close()
		return
	}
	client := newClient(clientID, conn, r.RemoteAddr, NewRateLimiter(s.rpm, s.maxInFlight))

	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to generate auth challenge")
		_ = conn.Close()
		return
	}
	client.challenge = challenge

	s.clients.Add(client)
	observability.SetGatewayClients(s.clients.Count())
	s.connWG.Add(2)
	go func() {
		defer s.connWG.Done()
		client.writePump()
	}()
	go func() {
		defer s.connWG.Done()
		s.readPump(client)
	}()

	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")
	s.sendJSON(client, AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) readPump(client *Client) {
	defer func() {
		client.Close()
		s.clients.Remove(client.ID)
		observability.SetGatewayClients(s.clients.Count())
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		client.touch()
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated() {
		observability.RecordGatewayRejected("unauthenticated")
		s.sendError(client, "", &RPCError{Code: AuthenticationRequired, Message: "Authentication required"})
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", toRPCError(err))
		return
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, &RPCError{Code: InternalError, Message: "server is shutting down"})
		return
	}

	ok, code, reason := client.limiter.Acquire()
	if !ok {
		observability.RecordGatewayRejected(reason)
		s.sendError(client, req.ID, &RPCError{Code: code, Message: reason})
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.limiter.Release()

		ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
		s.sendJSON(client, s.router.RouteRequest(ctx, req))
	}()
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.Authenticate(client, authResp.Signature)
	s.sendJSON(client, result)

	if result.Success {
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		return
	}

	observability.RecordGatewayAuthFailure()
	s.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
	client.mu.Lock()
	attempts := client.authAttempts
	client.mu.Unlock()
	if attempts >= maxAuthAttempts {
		client.Close()
	}
}

// handleRPC serves single-shot HTTP JSON-RPC requests authenticated by the
// X-Conduit-Secret header.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Conduit-Secret")), []byte(s.sharedSecret)) != 1 {
		observability.RecordGatewayAuthFailure()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("request_id", req.ID).Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inFlightReqs.Done()

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) sendError(client *Client, requestID string, rpcErr *RPCError) {
	s.sendJSON(client, RPCResponse{ID: requestID, JSONRPC: "2.0", Error: rpcErr})
}

func (s *Server) sendJSON(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal message")
		return
	}
	if !client.enqueue(data) {
		s.logger.Warn().Str("client_id", client.ID).Msg("Dropping message for closed or saturated client")
		client.Close()
	}
}

// RegisterMethod registers an additional RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients describes every connected client.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Infos()
}
