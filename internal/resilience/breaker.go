// Package resilience guards calls to the inference sidecar with a circuit
// breaker so a dead sidecar fails windows fast instead of stalling the
// consumer for a full timeout each time.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	apperrors "github.com/animalrunner/listener/internal/errors"
)

type State uint32

const (
	Closed   State = iota // calls pass
	Open                  // calls rejected
	HalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = apperrors.New(apperrors.CodeUnavailable, "circuit breaker open")

// Breaker is a lock-free circuit breaker.
type Breaker struct {
	name        string
	cfg         Config
	state       atomic.Uint32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64 // unix nano
	now         func() time.Time
	onChange    func(name string, from, to State)
}

func New(name string, cfg Config) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
	b.state.Store(uint32(Closed))
	return b
}

// OnStateChange registers a callback run on every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) *Breaker {
	b.onChange = fn
	return b
}

// Allow returns nil if a call may proceed.
func (b *Breaker) Allow() error {
	if State(b.state.Load()) != Open {
		return nil
	}
	if b.cooledDown() {
		b.transition(HalfOpen)
		return nil
	}
	return ErrOpen
}

func (b *Breaker) Success() {
	switch State(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		b.failures.Store(0)
	}
}

func (b *Breaker) Failure() {
	b.lastFailure.Store(b.now().UnixNano())
	n := b.failures.Add(1)

	switch State(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if n >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

func (b *Breaker) State() State {
	return State(b.state.Load())
}

func (b *Breaker) Name() string { return b.name }

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.transition(Closed)
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(uint32(to)))
	if from == to {
		return
	}

	switch to {
	case Closed:
		b.failures.Store(0)
		b.successes.Store(0)
		slog.Info("circuit breaker closed", "breaker", b.name)
	case Open:
		b.successes.Store(0)
		slog.Warn("circuit breaker opened", "breaker", b.name, "failures", b.failures.Load())
	case HalfOpen:
		b.successes.Store(0)
		slog.Info("circuit breaker half-open", "breaker", b.name)
	}

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) cooledDown() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return b.now().Sub(time.Unix(0, last)) > b.cfg.ResetTimeout
}

// Do runs fn under b. Caller cancellation is not counted as a failure.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	result, err := fn()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.Failure()
		}
		return zero, err
	}
	b.Success()
	return result, nil
}
