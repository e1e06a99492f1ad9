package journal

import (
	"context"
	"sync"
	"time"

	"github.com/animalrunner/listener/internal/orchestrator/verdict"
	"github.com/animalrunner/listener/internal/trace"
)

// Journal defaults
const (
	DefaultBatcherMaxSize    = 50
	DefaultBatcherFlushDelay = 2 * time.Second
)

// Writer is the batch sink a Batcher flushes to.
type Writer interface {
	Append(ctx context.Context, records []Record) error
}

// Batcher accumulates verdict records and flushes them in batches.
type Batcher struct {
	w          Writer
	maxSize    int
	flushDelay time.Duration
	mu         sync.Mutex
	items      []Record
	timer      *time.Timer
	inflight   int
	idle       *sync.Cond
}

// NewBatcher creates a journal batcher.
func NewBatcher(w Writer, maxSize int, flushDelay time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatcherMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultBatcherFlushDelay
	}
	b := &Batcher{
		w:          w,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		items:      make([]Record, 0, maxSize),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Record queues v for batched storage. It never blocks on the store, so it
// is safe to use as an emitter listener.
func (b *Batcher) Record(v verdict.Verdict) {
	b.Add(NewRecord(v))
}

// Add queues a record for batched storage.
func (b *Batcher) Add(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, r)

	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.timerFlush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

// Pending returns the number of queued records.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if len(b.items) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = make([]Record, 0, b.maxSize)

	b.inflight++
	go func() {
		defer b.writeDone()
		ctx, span := trace.StartSpan(context.Background(), "journal_batch_flush")
		defer span.Finish()
		span.SetAttr("count", len(items))

		log := trace.Logger(ctx)
		if err := b.w.Append(ctx, items); err != nil {
			span.SetAttr("error", err.Error())
			log.Warn("journal batch write failed", "error", err, "count", len(items))
			return
		}
		log.Debug("journal batch written", "count", len(items))
	}()
}

func (b *Batcher) writeDone() {
	b.mu.Lock()
	b.inflight--
	if b.inflight == 0 {
		b.idle.Broadcast()
	}
	b.mu.Unlock()
}

// Flush forces an immediate flush and waits until no write is in flight,
// including writes started by the flush timer while waiting.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
	for b.inflight > 0 {
		b.idle.Wait()
	}
}

// Stop flushes remaining records and waits for writes to finish.
func (b *Batcher) Stop() {
	b.Flush()
}
