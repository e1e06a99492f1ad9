// Package trace correlates log lines of one pipeline pass (one window, one
// bridge request, one inference call) under a shared trace ID.
// IDs are W3C sized: 128-bit trace, 64-bit span.
package trace

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Propagation keys for gRPC metadata and HTTP headers.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
)

type ctxKey struct{}

// Context holds the identifiers of a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New starts a fresh trace.
func New() Context {
	return Context{TraceID: newTraceID(), SpanID: newSpanID()}
}

// Child returns a new span in the same trace.
func (c Context) Child() Context {
	return Context{TraceID: c.TraceID, SpanID: newSpanID(), ParentSpanID: c.SpanID}
}

// Valid reports whether c carries a trace ID.
func (c Context) Valid() bool { return c.TraceID != "" }

func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// EnsureContext returns the trace already on ctx, or attaches a new one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

func newTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func newSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// Headers exports c as propagation key/value pairs.
func (c Context) Headers() map[string]string {
	m := map[string]string{TraceIDKey: c.TraceID, SpanIDKey: c.SpanID}
	if c.ParentSpanID != "" {
		m[ParentSpanIDKey] = c.ParentSpanID
	}
	return m
}

// FromHeaders continues a remote trace: the caller's span becomes the parent.
func FromHeaders(get func(key string) string) Context {
	tc := Context{
		TraceID:      get(TraceIDKey),
		SpanID:       newSpanID(),
		ParentSpanID: get(SpanIDKey),
	}
	if tc.TraceID == "" {
		tc.TraceID = newTraceID()
		tc.ParentSpanID = ""
	}
	return tc
}

func (c Context) attrs() []any {
	args := []any{"trace_id", c.TraceID, "span_id", c.SpanID}
	if c.ParentSpanID != "" {
		args = append(args, "parent_span_id", c.ParentSpanID)
	}
	return args
}

// Span times one pipeline stage.
type Span struct {
	Name  string
	Ctx   Context
	Start time.Time
	End   time.Time
	Attrs map[string]any
}

// StartSpan opens a span as a child of the trace on ctx, or a new trace.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	tc := New()
	if parent, ok := FromContext(ctx); ok && parent.Valid() {
		tc = parent.Child()
	}
	s := &Span{Name: name, Ctx: tc, Start: time.Now(), Attrs: make(map[string]any)}
	return WithContext(ctx, tc), s
}

// Finish closes the span, logs it at debug level and returns its duration.
func (s *Span) Finish() time.Duration {
	s.End = time.Now()
	slog.Debug("span finished", "span", s)
	return s.Duration()
}

func (s *Span) SetAttr(key string, val any) {
	s.Attrs[key] = val
}

func (s *Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", s.Name),
		slog.String("trace_id", s.Ctx.TraceID),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", s.Duration()),
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Logger returns the default logger annotated with the trace on ctx.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With(tc.attrs()...)
}
