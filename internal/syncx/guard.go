// Package syncx provides small generic synchronization helpers
package syncx

import "sync"

// Guarded holds a value behind an RWMutex. Readers get copies; writers
// mutate in place through a callback so compound updates stay atomic.
type Guarded[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuarded creates a guarded value.
func NewGuarded[T any](initial T) *Guarded[T] {
	return &Guarded[T]{value: initial}
}

// Load returns a copy of the value.
func (g *Guarded[T]) Load() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Store replaces the value.
func (g *Guarded[T]) Store(v T) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Swap replaces the value and returns the previous one.
func (g *Guarded[T]) Swap(v T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.value
	g.value = v
	return old
}

// With runs fn under the write lock.
func (g *Guarded[T]) With(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Check runs fn under the write lock and reports its result; fn may mutate
// the value only when it returns true.
func (g *Guarded[T]) Check(fn func(*T) bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.value)
}
