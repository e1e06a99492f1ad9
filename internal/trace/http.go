package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware attaches a trace to each bridge request and echoes its ID in the
// response so clients can quote it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := FromHeaders(r.Header.Get)
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// FromMessage reads an optional trace_id field from a bridge JSON message.
// A message without one starts a new trace.
func FromMessage(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return Context{TraceID: msg.TraceID, SpanID: newSpanID()}, true
}
