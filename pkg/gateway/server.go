package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/conversation"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 4 << 20
	channelBacklog = 32
)

// Server is the gateway in front of the conversation manager
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	router         *RPCRouter
	authHandler    *AuthHandler
	limiter        *RateLimiter
	conversations  ConversationHost
	logger         zerolog.Logger
	startedAt      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	Manager           ConversationHost
	RequestsPerMinute int
	MaxConcurrent     int
	Logger            zerolog.Logger
}

// NewServer creates a new gateway server. Port 0 listens on an ephemeral
// port.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("conversation manager is required")
	}

	s := &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		clients:       NewClientRegistry(),
		router:        NewRPCRouter(),
		authHandler:   NewAuthHandler(cfg.SharedSecret),
		limiter:       NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		conversations: cfg.Manager,
		startedAt:     time.Now(),
		logger:        cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the gateway routes
func (s *Server) Handler() http.Handler {
	observability.EnsureRegistered()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/channel", s.handleChannel)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Health is the /healthz payload
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Clients       int     `json:"clients"`
	Watched       int     `json:"watched_conversations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := Health{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Clients:       s.clients.Count(),
		Watched:       s.clients.Watched(),
	}
	status := http.StatusOK
	if s.shuttingDown() {
		health.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Start listens and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight requests until ctx ends, then closes every
// client and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// beginRequest registers an in-flight request unless the server is
// stopping
func (s *Server) beginRequest() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlightReqs.Add(1)
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return false
	}
	if !s.authHandler.Authorize(r) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected unauthenticated request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) newClient(kind, conversationID string, conn *websocket.Conn, r *http.Request) *Client {
	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewTraceID()
	}
	now := time.Now()
	conn.SetReadLimit(maxMessageSize)
	return &Client{
		ID:             clientID,
		Kind:           kind,
		ConversationID: conversationID,
		Conn:           conn,
		ConnectedAt:    now,
		LastActivity:   now,
		IPAddress:      r.RemoteAddr,
	}
}

func (s *Server) dropClient(client *Client) {
	_ = client.Conn.Close()
	s.clients.Remove(client.ID)
	s.limiter.Forget(client.ID)
	s.logger.Info().Str("clientId", client.ID).Str("kind", client.Kind).Msg("Client disconnected")
}

// handleWebSocket serves JSON-RPC over a websocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := s.newClient(ClientRPC, "", conn, r)
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads requests from an RPC client until it disconnects
func (s *Server) handleClient(client *Client) {
	defer s.dropClient(client)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage routes one request. Responses are written as they
// complete, so a long chat.generate does not hold up other requests.
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", err)
		return
	}

	if allowed, reason := s.limiter.Acquire(client.ID); !allowed {
		s.sendError(client, req.ID, rateLimitError(reason))
		return
	}
	if !s.beginRequest() {
		s.limiter.Release(client.ID)
		s.sendError(client, req.ID, &RPCError{Code: InternalError, Message: "server is shutting down"})
		return
	}

	go func() {
		defer s.inFlightReqs.Done()
		defer s.limiter.Release(client.ID)

		ctx := withCaller(context.Background(), caller{Transport: "ws", ClientID: client.ID, Remote: client.IPAddress})
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
		ctx = tracing.WithRequestID(ctx, req.ID)

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

// handleRPC handles single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: asRPCError(err)})
		return
	}

	key := remoteHost(r)
	if allowed, reason := s.limiter.Acquire(key); !allowed {
		writeJSON(w, http.StatusTooManyRequests, RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: rateLimitError(reason)})
		return
	}
	defer s.limiter.Release(key)

	if !s.beginRequest() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.inFlightReqs.Done()

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := withCaller(r.Context(), caller{Transport: "http", Remote: key})
	ctx = tracing.WithTraceID(ctx, traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	writeJSON(w, http.StatusOK, resp)
}

// handleChannel serves a subscription channel for one conversation. The
// channel receives head and message events and may carry requests, which
// are handled in arrival order and answered with ChannelReply frames.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	conversationID := r.URL.Query().Get("conversation")
	if !conversation.ValidConversationID(conversationID) {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	actor, err := s.conversations.Get(r.Context(), conversationID)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to load conversation")
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := s.newClient(ClientChannel, conversationID, conn, r)
	s.clients.Add(client)

	ctx, cancel := context.WithCancel(tracing.WithConversationID(context.Background(), conversationID))
	if err := actor.OpenChannel(ctx, client.ID, client); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to open channel")
		cancel()
		s.dropClient(client)
		return
	}

	s.logger.Info().
		Str("clientId", client.ID).
		Str("conversation_id", conversationID).
		Msg("Channel opened")

	go s.serveChannel(ctx, cancel, actor, client)
}

func (s *Server) serveChannel(ctx context.Context, cancel context.CancelFunc, actor *conversation.Actor, client *Client) {
	frames := make(chan ChannelRequest, channelBacklog)
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		for frame := range frames {
			s.answerChannel(ctx, actor, client, frame)
		}
	}()

	defer func() {
		cancel()
		close(frames)
		worker.Wait()

		closeCtx, closeCancel := context.WithTimeout(context.Background(), writeTimeout)
		defer closeCancel()
		if err := actor.CloseChannel(closeCtx, client.ID); err != nil {
			s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to close channel")
		}
		s.dropClient(client)
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Channel error")
			}
			return
		}
		s.clients.Touch(client.ID)

		var frame ChannelRequest
		if err := json.Unmarshal(message, &frame); err != nil {
			s.replyChannel(client, ChannelRequest{}, channelError(fmt.Errorf("%w: %v", conversation.ErrInvalidRequest, err)))
			continue
		}

		select {
		case frames <- frame:
		default:
			s.replyChannel(client, frame, channelError(&RPCError{Code: TooManyConcurrent, Message: "channel backlog full"}))
		}
	}
}

func (s *Server) answerChannel(ctx context.Context, actor *conversation.Actor, client *Client, frame ChannelRequest) {
	if allowed, reason := s.limiter.Acquire(client.ID); !allowed {
		s.replyChannel(client, frame, channelError(rateLimitError(reason)))
		return
	}
	defer s.limiter.Release(client.ID)

	if !s.beginRequest() {
		return
	}
	defer s.inFlightReqs.Done()

	ctx = tracing.WithRequestID(tracing.WithTraceID(ctx, tracing.NewTraceID()), frame.ID)
	resp, err := actor.ChannelMessage(ctx, client.ID, client, frame.Request)
	observability.RecordRPCRequest("channel."+string(frame.Request.Type), err == nil && resp.Err() == nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		resp = channelError(err)
	}
	s.replyChannel(client, frame, resp)
}

func (s *Server) replyChannel(client *Client, frame ChannelRequest, resp conversation.Response) {
	reply := ChannelReply{Type: "reply", ID: frame.ID, Response: resp}
	if err := client.WriteJSON(reply); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send channel reply")
	}
}

func channelError(err error) conversation.Response {
	info := conversation.Describe(err, conversation.CodeInvalidRequest)
	return conversation.Response{Type: conversation.ResponseError, Error: &info}
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, err error) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   asRPCError(err),
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: ParseError, Message: err.Error()}
}

func rateLimitError(reason string) *RPCError {
	code := RateLimitExceeded
	if reason == reasonTooConcurrent {
		code = TooManyConcurrent
	}
	return &RPCError{Code: code, Message: reason}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// Methods returns the registered method names
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}
