// Package scheduler hands buffer snapshots from the capture loop to the
// classification consumer.
package scheduler

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of sample windows. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  [][]float32
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Push(w []float32) {
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()
	q.signal()
}

// Pop waits for the oldest window. It returns false only once ctx is done.
func (q *Queue) Pop(ctx context.Context) ([]float32, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			w := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return w, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
