package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/loopgate/loopgate/internal/observability"
	"github.com/loopgate/loopgate/internal/tracing"
	"github.com/loopgate/loopgate/pkg/engine"
	"github.com/loopgate/loopgate/pkg/queue"
)

// SecretHeader authenticates HTTP RPC calls and websocket upgrades when a
// shared secret is configured.
const SecretHeader = "X-Loopgate-Secret"

// Server is the gateway: HTTP JSON-RPC for session management plus two
// websocket streams, one for producers (agents submitting requests) and one
// for consumers (operator UIs answering them).
type Server struct {
	port         int
	sharedSecret string
	pingInterval time.Duration
	pongTimeout  time.Duration
	server       *http.Server
	upgrader     websocket.Upgrader
	router       *RPCRouter
	engine       *engine.Engine
	logger       zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	connMu sync.Mutex
	conns  map[string]*websocket.Conn
}

// Config holds server configuration.
type Config struct {
	Port         int
	SharedSecret string
	PingInterval time.Duration
	PongTimeout  time.Duration
	Engine       *engine.Engine
	Logger       zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}

	s := &Server{
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		router:       NewRPCRouter(),
		engine:       cfg.Engine,
		logger:       cfg.Logger,
		conns:        make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Start starts the gateway server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	// Give the server a moment to start
	time.Sleep(50 * time.Millisecond)

	return nil
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws/producer", s.handleProducer)
	mux.HandleFunc("/ws/consumer", s.handleConsumer)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Stop gracefully stops the gateway server. The engine is shut down first so
// blocked producers receive their abandonment frame before their connection
// closes; waiting on in-flight work before releasing the tickets would
// deadlock until the timeout.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.engine.Shutdown(shutdownCtx)
	shutdownCancel()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.connMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[string]*websocket.Conn)
	s.connMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// RegisterMethod registers an RPC method handler.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.sharedSecret == "" {
		return true
	}
	return r.Header.Get(SecretHeader) == s.sharedSecret
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    ParseError,
				Message: err.Error(),
			},
		})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(context.Background(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(req)
	s.inFlightReqs.Done()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// upgrade performs the shared websocket handshake for both streams.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, string, bool) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return nil, "", false
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, "", false
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return nil, "", false
	}

	connID, _ := gonanoid.New()
	s.connMu.Lock()
	s.conns[connID] = conn
	s.connMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	return conn, connID, true
}

func (s *Server) release(connID string, conn *websocket.Conn) {
	conn.Close()
	s.connMu.Lock()
	delete(s.conns, connID)
	s.connMu.Unlock()
}

// wsWriter serializes writes on one websocket connection. Response frames
// arrive from ticket-wait goroutines concurrently with keepalive pings.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// keepalive pings the peer until stop closes; the pong handler extends the
// read deadline so idle connections survive long human latencies.
func (s *Server) keepalive(w *wsWriter, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.Ping(); err != nil {
				return
			}
		}
	}
}

// handleProducer carries producer frames: submit opens a request and is
// answered by accepted then response; attach resumes an earlier submit by
// correlation id after a reconnect.
func (s *Server) handleProducer(w http.ResponseWriter, r *http.Request) {
	conn, connID, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.release(connID, conn)

	observability.ProducerConnected(1)
	defer observability.ProducerConnected(-1)

	writer := &wsWriter{conn: conn}
	ctx, cancel := context.WithCancel(tracing.NewRequestContext(r.Context()))
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(writer, stop)

	s.logger.Info().Str("conn_id", connID).Str("ip", r.RemoteAddr).Msg("Producer connected")
	defer s.logger.Info().Str("conn_id", connID).Msg("Producer disconnected")

	for {
		var frame ProducerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", connID).Msg("Producer stream error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))

		switch frame.Type {
		case FrameSubmit:
			s.handleSubmitFrame(ctx, writer, connID, frame)
		case FrameAttach:
			s.handleAttachFrame(ctx, writer, connID, frame)
		default:
			s.sendProducerError(writer, frame.ID, InvalidRequest, fmt.Sprintf("unknown frame type: %s", frame.Type))
		}
	}
}

func (s *Server) handleSubmitFrame(ctx context.Context, writer *wsWriter, connID string, frame ProducerFrame) {
	if frame.Session == "" || frame.Agent == "" {
		s.sendProducerError(writer, frame.ID, InvalidParams, "submit requires session and agent")
		return
	}

	// frame.ID is the client-chosen correlation id. A submit re-sent after
	// a drop that ate the accepted frame dedupes onto the original request
	// instead of asking the human twice.
	ticket, err := s.engine.Enqueue(ctx, frame.Session, frame.ID, frame.Agent, frame.Payload)
	if err != nil {
		rpcErr := toRPCError(err)
		s.sendProducerError(writer, frame.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	correlationID := ticket.Request().ID
	ctx = tracing.WithCorrelationID(ctx, correlationID)
	if err := writer.WriteJSON(ProducerFrame{Type: FrameAccepted, ID: correlationID}); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", connID).Msg("Failed to send accepted frame")
		return
	}

	// The wait outlives this read-loop iteration; a dropped connection
	// cancels ctx but never the request itself.
	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		s.awaitAndReply(ctx, writer, connID, correlationID, ticket)
	}()
}

func (s *Server) handleAttachFrame(ctx context.Context, writer *wsWriter, connID string, frame ProducerFrame) {
	if frame.Session == "" || frame.ID == "" {
		s.sendProducerError(writer, frame.ID, InvalidParams, "attach requires session and id")
		return
	}

	ticket, err := s.engine.Attach(ctx, frame.Session, frame.ID)
	if err != nil {
		rpcErr := toRPCError(err)
		s.sendProducerError(writer, frame.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	ctx = tracing.WithCorrelationID(ctx, frame.ID)
	if err := writer.WriteJSON(ProducerFrame{Type: FrameAccepted, ID: frame.ID}); err != nil {
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		s.awaitAndReply(ctx, writer, connID, frame.ID, ticket)
	}()
}

func (s *Server) awaitAndReply(ctx context.Context, writer *wsWriter, connID, correlationID string, ticket *queue.Ticket) {
	res, err := ticket.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Producer went away; the request stays pending and the
			// producer reattaches by correlation id.
			return
		}
		rpcErr := toRPCError(err)
		s.sendProducerError(writer, correlationID, rpcErr.Code, rpcErr.Message)
		return
	}

	if err := writer.WriteJSON(ProducerFrame{
		Type:    FrameResponse,
		ID:      correlationID,
		Payload: res.Payload,
	}); err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().
			Err(err).
			Str("conn_id", connID).
			Msg("Failed to deliver response frame; producer must reattach")
	}
}

func (s *Server) sendProducerError(writer *wsWriter, id string, code int, message string) {
	_ = writer.WriteJSON(ProducerFrame{
		Type:    FrameError,
		ID:      id,
		Code:    code,
		Message: message,
	})
}

// handleConsumer carries the operator stream for one session: request frames
// flow out one at a time, respond frames resolve them.
func (s *Server) handleConsumer(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	conn, connID, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.release(connID, conn)

	writer := &wsWriter{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests, err := s.engine.Subscribe(ctx, sessionID)
	if err != nil {
		rpcErr := toRPCError(err)
		_ = writer.WriteJSON(ConsumerFrame{Type: FrameError, Code: rpcErr.Code, Message: rpcErr.Message})
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(writer, stop)

	s.logger.Info().
		Str("conn_id", connID).
		Str("session_id", sessionID).
		Msg("Consumer connected")
	defer s.logger.Info().Str("conn_id", connID).Str("session_id", sessionID).Msg("Consumer disconnected")

	// Delivery pump: one request frame per delivered item, closed frame
	// when the session ends.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req, open := <-requests:
				if !open {
					_ = writer.WriteJSON(ConsumerFrame{Type: FrameClosed})
					cancel()
					return
				}
				err := writer.WriteJSON(ConsumerFrame{
					Type:       FrameRequest,
					ID:         req.ID,
					Agent:      req.AgentName,
					Payload:    req.Payload,
					EnqueuedAt: req.EnqueuedAt,
				})
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var frame ConsumerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", connID).Msg("Consumer stream error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))

		if frame.Type != FrameRespond {
			_ = writer.WriteJSON(ConsumerFrame{
				Type:    FrameError,
				ID:      frame.ID,
				Code:    InvalidRequest,
				Message: fmt.Sprintf("unknown frame type: %s", frame.Type),
			})
			continue
		}

		if err := s.engine.Respond(ctx, sessionID, frame.ID, frame.Payload); err != nil {
			rpcErr := toRPCError(err)
			_ = writer.WriteJSON(ConsumerFrame{
				Type:    FrameError,
				ID:      frame.ID,
				Code:    rpcErr.Code,
				Message: rpcErr.Message,
			})
		}
	}
}
