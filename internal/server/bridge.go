package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/trace"
	"github.com/animalrunner/listener/internal/transport"
)

// BridgeRequest is an HTTP bridge message, from a JSON body or a query
// string.
type BridgeRequest struct {
	Type   string `json:"type"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Animal string `json:"animal"`
}

type BridgeResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (s *Server) handleUDPPost(w http.ResponseWriter, r *http.Request) {
	var req BridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.BridgeMessages.WithLabelValues("http", "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, BridgeResponse{Status: "error", Message: "Invalid JSON format"})
		return
	}
	s.serveBridge(w, r, req)
}

func (s *Server) handleUDPGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := BridgeRequest{Type: q.Get("type"), Host: q.Get("host"), Animal: q.Get("animal")}
	if p := q.Get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			s.metrics.BridgeMessages.WithLabelValues("http", "invalid").Inc()
			writeJSON(w, http.StatusBadRequest, BridgeResponse{Status: "error", Message: fmt.Sprintf("invalid port %q", p)})
			return
		}
		req.Port = port
	}
	s.serveBridge(w, r, req)
}

func (s *Server) serveBridge(w http.ResponseWriter, r *http.Request, req BridgeRequest) {
	ctx, span := trace.StartSpan(r.Context(), "http_bridge")
	defer span.Finish()
	span.SetAttr("type", req.Type)
	log := trace.Logger(ctx)

	switch req.Type {
	case TypeConfig:
		s.metrics.BridgeMessages.WithLabelValues("http", TypeConfig).Inc()
		ack := s.applyConfig(ctx, ConfigMessage{Type: req.Type, Host: req.Host, Port: req.Port})
		if ack.Status != "success" {
			writeJSON(w, http.StatusBadRequest, BridgeResponse{Status: "error", Message: ack.Message})
			return
		}
		writeJSON(w, http.StatusOK, BridgeResponse{Status: "success", Message: "UDP target set to " + ack.Target})

	case transport.TypeUDPMessage:
		s.metrics.BridgeMessages.WithLabelValues("http", transport.TypeUDPMessage).Inc()
		now := time.Now().Format(time.RFC3339Nano)
		if req.Animal == "" {
			writeJSON(w, http.StatusBadRequest, BridgeResponse{
				Status:    "error",
				Message:   "Failed to send UDP message: 'animal' not provided",
				Timestamp: now,
			})
			return
		}
		// The animal string goes out as-is.
		if err := s.fwd.SendRaw(ctx, []byte(req.Animal)); err != nil {
			log.Error("bridge forward failed", "target", s.fwd.Target(), "error", err)
			writeJSON(w, httpStatus(err), BridgeResponse{Status: "error", Message: err.Error(), Timestamp: now})
			return
		}
		log.Info("bridge message forwarded", "target", s.fwd.Target(), "animal", req.Animal)
		writeJSON(w, http.StatusOK, BridgeResponse{Status: "success", Message: "UDP message sent", Timestamp: now})

	default:
		s.metrics.BridgeMessages.WithLabelValues("http", "unknown").Inc()
		log.Warn("unknown bridge message type", "type", req.Type)
		writeJSON(w, http.StatusBadRequest, BridgeResponse{Status: "error", Message: "Unknown message type"})
	}
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	limit := DefaultVerdictLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorMessage{Type: TypeError, Message: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		limit = min(n, MaxVerdictLimit)
	}

	recs, err := s.pipe.Recent(r.Context(), limit)
	if err != nil {
		code := httpStatus(err)
		if code >= http.StatusInternalServerError && !apperrors.IsCode(err, apperrors.CodeUnavailable) {
			trace.Logger(r.Context()).Error("journal read failed", "error", err)
		}
		writeJSON(w, code, ErrorMessage{Type: TypeError, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": recs, "count": len(recs)})
}
