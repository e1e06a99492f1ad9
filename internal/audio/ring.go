package audio

import (
	"sync"
	"time"
)

// Ring is a fixed-capacity sample buffer that overwrites its oldest samples
// and hands out a full copy at most once per interval.
type Ring struct {
	mu        sync.Mutex
	buf       []float32
	head      int // next write position
	n         int
	windowLen int
	interval  time.Duration
	last      time.Time
}

// NewRing allocates a ring of capacity samples. A snapshot needs at least
// windowLen buffered samples.
func NewRing(capacity, windowLen int, interval time.Duration) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		buf:       make([]float32, capacity),
		windowLen: windowLen,
		interval:  interval,
	}
}

// Extend appends samples, dropping the oldest once the ring is full.
func (r *Ring) Extend(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := len(r.buf)
	if len(samples) >= c {
		copy(r.buf, samples[len(samples)-c:])
		r.head, r.n = 0, c
		return
	}
	k := copy(r.buf[r.head:], samples)
	copy(r.buf, samples[k:])
	r.head = (r.head + len(samples)) % c
	r.n = min(r.n+len(samples), c)
}

// SnapshotIfDue copies the buffered samples in arrival order when the ring
// holds a full window and interval has passed since the last snapshot.
func (r *Ring) SnapshotIfDue(now time.Time) ([]float32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < r.windowLen || r.n == 0 {
		return nil, false
	}
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		return nil, false
	}
	r.last = now

	out := make([]float32, r.n)
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	k := copy(out, r.buf[start:])
	if k < r.n {
		copy(out[k:], r.buf[:r.n-k])
	}
	return out, true
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring) Cap() int { return len(r.buf) }
