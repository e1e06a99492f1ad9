// Package observation collects recent positive classifications and decides
// whether one label holds a majority.
package observation

import (
	"sync"
	"time"
)

// Observation is one positive classification.
type Observation struct {
	Label string
	At    time.Time
}

// Majority is the result of a vote over the current window. The zero value
// means there was nothing to vote on.
type Majority struct {
	Label string  `json:"label"`
	Share float64 `json:"share"`
	Count int     `json:"count"`
	Total int     `json:"total"`
	OK    bool    `json:"ok"` // Share met the threshold
}

// Aggregator holds observations newer than its window, in arrival order.
type Aggregator struct {
	mu       sync.RWMutex
	entries  []Observation
	window   time.Duration
	positive map[string]struct{}
}

func New(window time.Duration, positive []string) *Aggregator {
	set := make(map[string]struct{}, len(positive))
	for _, l := range positive {
		set[l] = struct{}{}
	}
	return &Aggregator{window: window, positive: set}
}

// Add records label at now if it is a positive class.
func (a *Aggregator) Add(label string, _ float64, now time.Time) bool {
	if _, ok := a.positive[label]; !ok {
		return false
	}
	a.mu.Lock()
	a.entries = append(a.entries, Observation{Label: label, At: now})
	a.mu.Unlock()
	return true
}

// EvictExpired drops observations older than the window and returns how
// many were dropped.
func (a *Aggregator) EvictExpired(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.window)
	n := 0
	for n < len(a.entries) && a.entries[n].At.Before(cutoff) {
		n++
	}
	if n > 0 {
		a.entries = append(a.entries[:0], a.entries[n:]...)
	}
	return n
}

// Majority counts labels in the window. The highest count wins; on a tie the
// label observed first wins.
func (a *Aggregator) Majority(threshold float64) Majority {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.entries) == 0 {
		return Majority{}
	}
	counts := make(map[string]int)
	var order []string
	for _, o := range a.entries {
		if counts[o.Label] == 0 {
			order = append(order, o.Label)
		}
		counts[o.Label]++
	}

	best := order[0]
	for _, l := range order[1:] {
		if counts[l] > counts[best] {
			best = l
		}
	}
	total := len(a.entries)
	share := float64(counts[best]) / float64(total)
	return Majority{
		Label: best,
		Share: share,
		Count: counts[best],
		Total: total,
		OK:    share >= threshold,
	}
}

// Clear empties the window.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.entries = nil
	a.mu.Unlock()
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Snapshot returns a copy of the window in arrival order.
func (a *Aggregator) Snapshot() []Observation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Observation, len(a.entries))
	copy(out, a.entries)
	return out
}
