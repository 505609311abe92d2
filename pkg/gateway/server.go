// Package gateway is the local control surface: JSON-RPC over a websocket
// and over HTTP, plus the dashboard chat protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/lunar/internal/observability"
	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/scheduler"
	"github.com/harun/lunar/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	maxRequestBytes = 1 << 20
	shutdownGrace   = 30 * time.Second
	welcomeMessage  = "Connected to Lunar"
)

// StatusFunc reports runtime state for the status method, e.g. the active
// provider and channel links.
type StatusFunc func(ctx context.Context) map[string]interface{}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// StaticDir serves dashboard assets at / when set.
	StaticDir string

	Runner    *agent.Runner
	Tools     *capability.Registry
	Scheduler *scheduler.Scheduler
	Memory    *memory.Store
	People    *people.Directory
	// Transcripts archives conversations cleared through sessions.clear.
	Transcripts *session.Transcripts
	Status      StatusFunc

	Logger zerolog.Logger
}

// Server is the gateway server.
type Server struct {
	cfg         Config
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	// baseCtx outlives individual requests; chat turns run under it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("capability registry is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if cfg.People == nil {
		return nil, fmt.Errorf("people directory is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		clients:     clients,
		router:      NewRPCRouter(),
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP handler with every gateway route.
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
	if s.cfg.StaticDir != "" {
		mux.Handle("/", s.staticHandler(s.cfg.StaticDir))
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop broadcasts a shutdown event, stops running web chats, waits for
// in-flight requests and closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})
	for _, client := range s.clients.GetAll() {
		s.cfg.Runner.Stop(client.ConversationKey())
	}

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-waitCtx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}
	s.cancelBase()

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if s.server != nil {
		if err := s.server.Shutdown(waitCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.Authorize(r) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected websocket connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
	}
	if !s.clients.Add(client) {
		s.logger.Error().Str("clientId", clientID).Msg("Client id collision")
		_ = conn.Close()
		return
	}

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	welcome := EventMessage{
		Event:   EventWelcome,
		Session: client.ConversationKey(),
		Data:    map[string]interface{}{"message": welcomeMessage, "clientId": clientID},
	}
	if err := s.broadcaster.Send(client, welcome); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send welcome")
		s.disconnect(client)
		return
	}
	_ = s.broadcaster.Send(client, EventMessage{Event: EventStatus, Data: s.status(s.baseCtx)})

	go s.handleClient(client)
}

func (s *Server) disconnect(client *Client) {
	_ = client.Conn.Close()
	if !s.clients.Remove(client.ID) {
		return
	}
	key := client.ConversationKey()
	s.cfg.Runner.Stop(key)
	s.cfg.Runner.Sessions().Delete(key)
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		s.disconnect(client)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	if ok, reason := client.RateLimiter.Acquire(); !ok {
		code := RateLimitExceeded
		if reason == reasonTooConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}
	s.inFlightReqs.Add(1)

	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := context.WithValue(s.baseCtx, clientIDKey{}, client.ID)
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		code := ParseError
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			code = rpcErr.Code
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", code, err.Error()))
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inFlightReqs.Done()

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// staticHandler serves dashboard assets, falling back to index.html for
// unknown routes.
func (s *Server) staticHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			index := filepath.Join(dir, "index.html")
			if _, err := os.Stat(index); err != nil {
				http.NotFound(w, r)
				return
			}
			http.ServeFile(w, r, index)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message)); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends an event to every connected client.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods.
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot(s.cfg.Runner.IsRunning)
}

// clientIDKey carries the id of the websocket client a request arrived on.
type clientIDKey struct{}

// clientFrom returns the websocket client behind a request. HTTP requests
// have none.
func (s *Server) clientFrom(ctx context.Context) (*Client, error) {
	id, _ := ctx.Value(clientIDKey{}).(string)
	if id == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "chat methods require a websocket connection"}
	}
	client, ok := s.clients.Get(id)
	if !ok {
		return nil, &RPCError{Code: InvalidRequest, Message: "client is no longer connected"}
	}
	return client, nil
}

func stringParam(params map[string]interface{}, name string) string {
	v, _ := params[name].(string)
	return strings.TrimSpace(v)
}

func intParam(params map[string]interface{}, name string) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
