package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/metrics"
	"github.com/animalrunner/listener/internal/orchestrator"
	"github.com/animalrunner/listener/internal/orchestrator/journal"
	"github.com/animalrunner/listener/internal/orchestrator/verdict"
	"github.com/animalrunner/listener/internal/transport"
)

// mockPipeline for testing.
type mockPipeline struct {
	mu        sync.Mutex
	status    orchestrator.Status
	records   []journal.Record
	err       error
	lastLimit int
	listeners []func(verdict.Verdict)
}

func (m *mockPipeline) Status() orchestrator.Status { return m.status }

func (m *mockPipeline) Recent(_ context.Context, limit int) ([]journal.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

func (m *mockPipeline) Subscribe(fn func(verdict.Verdict)) {
	m.listeners = append(m.listeners, fn)
}

func (m *mockPipeline) emit(v verdict.Verdict) {
	for _, fn := range m.listeners {
		fn(v)
	}
}

// mockForwarder records forwarded payloads.
type mockForwarder struct {
	mu      sync.Mutex
	target  string
	sent    []string
	sendErr error
}

func (f *mockForwarder) SendRaw(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(payload))
	return nil
}

func (f *mockForwarder) SetTarget(host string, port int) error {
	if port <= 0 || port > 65535 {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "port out of range: %d", port)
	}
	f.mu.Lock()
	f.target = host + ":" + strconv.Itoa(port)
	f.mu.Unlock()
	return nil
}

func (f *mockForwarder) Target() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *mockForwarder) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestServer() (*Server, *mockPipeline, *mockForwarder, *metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	pipe := &mockPipeline{}
	fwd := &mockForwarder{target: "127.0.0.1:5005"}
	return New(pipe, fwd, Options{Metrics: m, Gatherer: reg}), pipe, fwd, m, reg
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/udp", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, OPTIONS" {
		t.Errorf("CORS methods = %q, want %q", v, "GET, POST, OPTIONS")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin on GET = %q, want %q", v, "*")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}
	now := time.Unix(100, 0)
	for i := range RateLimitMessages {
		if !rl.allow(now) {
			t.Fatalf("message %d rejected inside the limit", i)
		}
	}
	if rl.allow(now) {
		t.Error("message over the limit allowed")
	}
	if !rl.allow(now.Add(RateLimitWindow + time.Millisecond)) {
		t.Error("window did not slide")
	}
}

func TestHTTPBridgePost(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantStatus string
		wantSent   []string
		wantTarget string
	}{
		{"config", `{"type":"config","host":"10.0.0.2","port":9000}`, http.StatusOK, "success", nil, "10.0.0.2:9000"},
		{"config defaults", `{"type":"config"}`, http.StatusOK, "success", nil, "127.0.0.1:8888"},
		{"config bad port", `{"type":"config","port":70000}`, http.StatusBadRequest, "error", nil, "127.0.0.1:5005"},
		{"udp_message", `{"type":"udp_message","animal":"Cow"}`, http.StatusOK, "success", []string{"Cow"}, "127.0.0.1:5005"},
		{"udp_message without animal", `{"type":"udp_message"}`, http.StatusBadRequest, "error", nil, "127.0.0.1:5005"},
		{"unknown type", `{"type":"shout"}`, http.StatusBadRequest, "error", nil, "127.0.0.1:5005"},
		{"invalid JSON", `{"type":`, http.StatusBadRequest, "error", nil, "127.0.0.1:5005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, fwd, _, _ := newTestServer()
			req := httptest.NewRequest(http.MethodPost, "/udp", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp BridgeResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q (%s), want %q", resp.Status, resp.Message, tt.wantStatus)
			}
			if got := fwd.payloads(); strings.Join(got, "|") != strings.Join(tt.wantSent, "|") {
				t.Errorf("forwarded %v, want %v", got, tt.wantSent)
			}
			if fwd.Target() != tt.wantTarget {
				t.Errorf("target = %q, want %q", fwd.Target(), tt.wantTarget)
			}
		})
	}
}

func TestHTTPBridgeGet(t *testing.T) {
	s, _, fwd, m, _ := newTestServer()
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/udp?type=config&host=localhost&port=6000", http.NoBody))
	if rec.Code != http.StatusOK || fwd.Target() != "localhost:6000" {
		t.Errorf("config: code=%d target=%q", rec.Code, fwd.Target())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/udp?type=udp_message&animal=Frog", http.NoBody))
	if rec.Code != http.StatusOK || len(fwd.payloads()) != 1 || fwd.payloads()[0] != "Frog" {
		t.Errorf("udp_message: code=%d sent=%v", rec.Code, fwd.payloads())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/udp?type=config&port=abc", http.NoBody))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad port: code=%d", rec.Code)
	}

	if got := testutil.ToFloat64(m.BridgeMessages.WithLabelValues("http", TypeConfig)); got != 1 {
		t.Errorf("http config messages = %v, want 1", got)
	}
}

func TestHTTPBridgeSendFailure(t *testing.T) {
	s, _, fwd, _, _ := newTestServer()
	fwd.sendErr = apperrors.New(apperrors.CodeTransportFailed, "network unreachable")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/udp", strings.NewReader(`{"type":"udp_message","animal":"Cow"}`)))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, pipe, _, _, _ := newTestServer()
	pipe.status = orchestrator.Status{Running: true, Target: "127.0.0.1:5005", QueueDepth: 2, Emitted: 3, LastVerdict: "Cow"}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec.Header().Get("x-trace-id") == "" {
		t.Error("trace header missing")
	}
	var got orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Target != "127.0.0.1:5005" || got.QueueDepth != 2 || got.LastVerdict != "Cow" || !got.Running {
		t.Errorf("status = %+v", got)
	}
}

func TestVerdictsEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		err       error
		wantCode  int
		wantLimit int
	}{
		{"default limit", "", nil, http.StatusOK, DefaultVerdictLimit},
		{"explicit", "?limit=5", nil, http.StatusOK, 5},
		{"clamped", "?limit=100000", nil, http.StatusOK, MaxVerdictLimit},
		{"invalid", "?limit=-1", nil, http.StatusBadRequest, 0},
		{"journal disabled", "", apperrors.New(apperrors.CodeUnavailable, "journal disabled"), http.StatusServiceUnavailable, DefaultVerdictLimit},
		{"store failure", "", errors.New("boom"), http.StatusInternalServerError, DefaultVerdictLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, pipe, _, _, _ := newTestServer()
			pipe.err = tt.err
			pipe.records = []journal.Record{{ID: "a", Label: "Cow", Share: 1}}

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/verdicts"+tt.query, http.NoBody))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if pipe.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", pipe.lastLimit, tt.wantLimit)
			}
			if tt.wantCode == http.StatusOK && !strings.Contains(rec.Body.String(), `"label":"Cow"`) {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	healthy := false
	s := New(&mockPipeline{}, &mockForwarder{}, Options{
		Metrics:  metrics.NewWithRegistry(reg),
		Gatherer: reg,
		Health:   func(context.Context) bool { return healthy },
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy code = %d", rec.Code)
	}
	healthy = true
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy code = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _, m, _ := newTestServer()
	m.VerdictsEmitted.WithLabelValues("Cow").Inc()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "listener_verdicts_emitted_total") {
		t.Error("emitted counter not exported")
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestWebSocketBridge(t *testing.T) {
	s, pipe, fwd, m, _ := newTestServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dialWS(t, srv)
	ctx := context.Background()

	// config
	if err := wsjson.Write(ctx, conn, map[string]any{"type": "config", "host": "127.0.0.1", "port": 7777}); err != nil {
		t.Fatal(err)
	}
	ack := readJSON(t, conn)
	if ack["type"] != TypeConfigAck || ack["status"] != "success" || ack["target"] != "127.0.0.1:7777" {
		t.Errorf("config ack = %v", ack)
	}

	// udp_message is forwarded verbatim
	raw := `{"type":"udp_message","animal":"Cat","confidence":0.9}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatal(err)
	}
	ack = readJSON(t, conn)
	if ack["type"] != TypeUDPAck || ack["success"] != true {
		t.Errorf("udp ack = %v", ack)
	}
	if ts, _ := ack["timestamp"].(string); ts == "" {
		t.Error("udp ack without timestamp")
	}
	if got := fwd.payloads(); len(got) != 1 || got[0] != raw {
		t.Errorf("forwarded %v", got)
	}

	// invalid JSON gets an error reply and the connection survives
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if msg := readJSON(t, conn); msg["type"] != TypeError || msg["message"] != "Invalid JSON format" {
		t.Errorf("error reply = %v", msg)
	}

	// verdicts are broadcast as envelopes
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pipe.emit(verdict.Verdict{Label: "Cow", Share: 1, At: at})
	msg := readJSON(t, conn)
	if msg["type"] != transport.TypeVerdict || msg["animal"] != "Cow" || msg["confidence"] != 1.0 {
		t.Errorf("broadcast = %v", msg)
	}
	if msg["timestamp"] != at.Format(time.RFC3339Nano) {
		t.Errorf("broadcast timestamp = %v", msg["timestamp"])
	}

	if got := testutil.ToFloat64(m.BridgeClients); got != 1 {
		t.Errorf("clients gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BridgeMessages.WithLabelValues("ws", "invalid")); got != 1 {
		t.Errorf("invalid messages = %v, want 1", got)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dialWS(t, srv)
	ctx := context.Background()

	for range RateLimitMessages + 1 {
		if err := wsjson.Write(ctx, conn, map[string]any{"type": "udp_message", "animal": "Cow"}); err != nil {
			t.Fatal(err)
		}
	}
	var limited bool
	for range RateLimitMessages + 1 {
		if msg := readJSON(t, conn); msg["type"] == TypeError && msg["message"] == "rate limit exceeded" {
			limited = true
		}
	}
	if !limited {
		t.Error("rate limit never triggered")
	}
}

func TestWebSocketForwardFailure(t *testing.T) {
	s, _, fwd, _, _ := newTestServer()
	fwd.sendErr = errors.New("unreachable")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dialWS(t, srv)

	if err := wsjson.Write(context.Background(), conn, map[string]any{"type": "udp_message"}); err != nil {
		t.Fatal(err)
	}
	if ack := readJSON(t, conn); ack["success"] != false {
		t.Errorf("ack = %v", ack)
	}
}

func TestCloseClients(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dialWS(t, srv)

	// Round trip so the server has registered the connection.
	_ = wsjson.Write(context.Background(), conn, map[string]any{"type": "config", "port": 6000})
	readJSON(t, conn)

	s.CloseClients()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway && !errors.Is(err, io.EOF) {
		t.Errorf("read after CloseClients = %v", err)
	}
}
