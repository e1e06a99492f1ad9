package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/metrics"
	"github.com/animalrunner/listener/internal/orchestrator"
	"github.com/animalrunner/listener/internal/orchestrator/journal"
	"github.com/animalrunner/listener/internal/orchestrator/verdict"
	"github.com/animalrunner/listener/internal/trace"
	"github.com/animalrunner/listener/internal/transport"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

type ConfigMessage struct {
	Type string `json:"type"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ConfigAckMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
}

type UDPAckMessage struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pipeline is the part of the orchestrator the server reads from.
type Pipeline interface {
	Status() orchestrator.Status
	Recent(ctx context.Context, limit int) ([]journal.Record, error)
	Subscribe(fn func(verdict.Verdict))
}

// Forwarder writes bridge traffic to the datagram target.
// *transport.UDPSink implements it.
type Forwarder interface {
	SendRaw(ctx context.Context, payload []byte) error
	SetTarget(host string, port int) error
	Target() string
}

type Options struct {
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	// Health reports whether the inference engine answers. Optional.
	Health func(ctx context.Context) bool
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles the bridges and the status API.
type Server struct {
	pipe    Pipeline
	fwd     Forwarder
	opts    Options
	metrics *metrics.Metrics

	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a server and subscribes it to verdict broadcasts.
func New(pipe Pipeline, fwd Forwarder, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		pipe:       pipe,
		fwd:        fwd,
		opts:       opts,
		metrics:    opts.Metrics,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	pipe.Subscribe(s.broadcastVerdict)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket bridge
	mux.HandleFunc("/ws", s.handleWebSocket)

	// HTTP bridge
	mux.HandleFunc("POST /udp", s.handleUDPPost)
	mux.HandleFunc("GET /udp", s.handleUDPGet)

	// REST API
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/verdicts", s.handleVerdicts)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	clients := len(s.conns)
	s.mu.Unlock()
	s.metrics.BridgeClients.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
		s.metrics.BridgeClients.Dec()
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr, "clients", clients)

	for {
		// Raw read: wsjson.Read closes the connection on bad JSON, and bad
		// JSON gets an error reply here instead.
		_, data, err := conn.Read(baseCtx)
		if err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow(time.Now()) {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, ErrorMessage{Type: TypeError, Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(data, &base); err != nil {
			s.metrics.BridgeMessages.WithLabelValues("ws", "invalid").Inc()
			log.Warn("invalid JSON from bridge client", "remote", r.RemoteAddr, "error", err)
			_ = wsjson.Write(baseCtx, conn, ErrorMessage{Type: TypeError, Message: "Invalid JSON format"})
			continue
		}

		ctx := messageContext(baseCtx, data)
		switch base.Type {
		case TypeConfig:
			s.metrics.BridgeMessages.WithLabelValues("ws", TypeConfig).Inc()
			var msg ConfigMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = wsjson.Write(ctx, conn, ErrorMessage{Type: TypeError, Message: "Invalid config message"})
				continue
			}
			_ = wsjson.Write(ctx, conn, s.applyConfig(ctx, msg))
		case transport.TypeUDPMessage:
			s.metrics.BridgeMessages.WithLabelValues("ws", transport.TypeUDPMessage).Inc()
			ok := s.forward(ctx, data)
			_ = wsjson.Write(ctx, conn, UDPAckMessage{
				Type:      TypeUDPAck,
				Success:   ok,
				Timestamp: time.Now().Format(time.RFC3339Nano),
			})
		default:
			s.metrics.BridgeMessages.WithLabelValues("ws", "unknown").Inc()
			trace.Logger(ctx).Warn("unknown bridge message type", "type", base.Type)
		}
	}
}

// messageContext carries a client-supplied trace_id, or a child of the
// connection's trace.
func messageContext(ctx context.Context, data []byte) context.Context {
	if tc, ok := trace.FromMessage(data); ok {
		return trace.WithContext(ctx, tc)
	}
	ctx, parent := trace.EnsureContext(ctx)
	return trace.WithContext(ctx, parent.Child())
}

func (s *Server) applyConfig(ctx context.Context, msg ConfigMessage) ConfigAckMessage {
	host, port := msg.Host, msg.Port
	if host == "" {
		host = DefaultTargetHost
	}
	if port == 0 {
		port = DefaultTargetPort
	}
	log := trace.Logger(ctx)
	if err := s.fwd.SetTarget(host, port); err != nil {
		log.Warn("bridge retarget rejected", "host", host, "port", port, "error", err)
		return ConfigAckMessage{Type: TypeConfigAck, Status: "error", Target: s.fwd.Target(), Message: err.Error()}
	}
	return ConfigAckMessage{Type: TypeConfigAck, Status: "success", Target: s.fwd.Target()}
}

func (s *Server) forward(ctx context.Context, payload []byte) bool {
	if err := s.fwd.SendRaw(ctx, payload); err != nil {
		trace.Logger(ctx).Error("bridge forward failed", "target", s.fwd.Target(), "error", err)
		return false
	}
	trace.Logger(ctx).Info("bridge message forwarded", "target", s.fwd.Target(), "bytes", len(payload))
	return true
}

// broadcastVerdict pushes v to every WebSocket client without blocking the
// emitter.
func (s *Server) broadcastVerdict(v verdict.Verdict) {
	msg := transport.NewEnvelope(transport.TypeVerdict, v.Label, v.Share, v.At)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.conns {
		go func(c *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), BroadcastWriteTimeout)
			defer cancel()
			_ = wsjson.Write(ctx, c, msg)
		}(conn)
	}
}

// CloseClients disconnects every WebSocket client.
func (s *Server) CloseClients() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "target": s.fwd.Target()}
	code := http.StatusOK
	if s.opts.Health != nil {
		healthy := s.opts.Health(r.Context())
		resp["inference"] = healthy
		if !healthy {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// httpStatus maps an application error code to an HTTP status.
func httpStatus(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeTransportFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
