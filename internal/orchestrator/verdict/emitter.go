// Package verdict debounces majority votes and forwards them downstream.
package verdict

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/metrics"
)

// Verdict is one emitted majority decision.
type Verdict struct {
	Label string
	Share float64
	At    time.Time
}

// Wire is the datagram payload, e.g. "Cow,1.000".
func (v Verdict) Wire() string {
	return fmt.Sprintf("%s,%.3f", v.Label, v.Share)
}

type Sink interface {
	Send(ctx context.Context, v Verdict) error
}

// Clearer empties the observation window after a successful emission.
type Clearer interface {
	Clear()
}

// State is the emitter's memory of its last successful emission.
type State struct {
	LastLabel string
	LastAt    time.Time
	Emitted   int
}

// Suppression reasons.
const (
	ReasonCooldown = "cooldown"
	ReasonRepeat   = "repeat"
	ReasonInFlight = "in_flight"
)

type Emitter struct {
	sink     Sink
	window   Clearer
	cooldown time.Duration
	metrics  *metrics.Metrics

	mu        sync.Mutex
	state     State
	sending   bool
	listeners []func(Verdict)
}

func New(sink Sink, window Clearer, cooldown time.Duration) *Emitter {
	return &Emitter{sink: sink, window: window, cooldown: cooldown}
}

// WithMetrics attaches instruments and returns e.
func (e *Emitter) WithMetrics(m *metrics.Metrics) *Emitter {
	e.metrics = m
	return e
}

// Subscribe registers fn for every successful emission. fn runs on the
// emitting goroutine and must not block.
func (e *Emitter) Subscribe(fn func(Verdict)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// TryEmit sends label unless the cooldown is active, label repeats the
// last emission, or another send is in flight. The decision is taken under
// the lock and the write happens outside it. A failed send leaves all state
// untouched and the verdict is dropped.
func (e *Emitter) TryEmit(ctx context.Context, label string, share float64, now time.Time) (bool, error) {
	e.mu.Lock()
	if e.sending {
		e.mu.Unlock()
		e.suppressed(ReasonInFlight)
		slog.Debug("verdict suppressed", "reason", ReasonInFlight, "label", label)
		return false, nil
	}
	if !e.state.LastAt.IsZero() && now.Sub(e.state.LastAt) < e.cooldown {
		remaining := e.cooldown - now.Sub(e.state.LastAt)
		e.mu.Unlock()
		e.suppressed(ReasonCooldown)
		slog.Debug("verdict suppressed", "reason", ReasonCooldown, "label", label, "remaining", remaining)
		return false, nil
	}
	if label == e.state.LastLabel {
		e.mu.Unlock()
		e.suppressed(ReasonRepeat)
		slog.Debug("verdict suppressed", "reason", ReasonRepeat, "label", label)
		return false, nil
	}
	e.sending = true
	e.mu.Unlock()

	v := Verdict{Label: label, Share: share, At: now}
	err := e.sink.Send(ctx, v)

	e.mu.Lock()
	e.sending = false
	if err != nil {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SendFailures.Inc()
		}
		return false, apperrors.Wrapf(err, apperrors.CodeTransportFailed, "send verdict %s", v.Wire())
	}
	e.state.LastLabel = label
	e.state.LastAt = now
	e.state.Emitted++
	listeners := make([]func(Verdict), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	e.window.Clear()
	if e.metrics != nil {
		e.metrics.VerdictsEmitted.WithLabelValues(label).Inc()
	}
	slog.Info("verdict emitted", "label", label, "share", share, "wire", v.Wire())

	for _, fn := range listeners {
		fn(v)
	}
	return true, nil
}

func (e *Emitter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Emitter) suppressed(reason string) {
	if e.metrics != nil {
		e.metrics.VerdictsSuppressed.WithLabelValues(reason).Inc()
	}
}
