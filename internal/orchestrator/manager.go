// Package orchestrator wires capture, classification, voting and emission
// into one running pipeline.
package orchestrator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/animalrunner/listener/internal/audio"
	"github.com/animalrunner/listener/internal/classifier"
	"github.com/animalrunner/listener/internal/config"
	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/metrics"
	"github.com/animalrunner/listener/internal/orchestrator/journal"
	"github.com/animalrunner/listener/internal/orchestrator/observation"
	"github.com/animalrunner/listener/internal/orchestrator/scheduler"
	"github.com/animalrunner/listener/internal/orchestrator/verdict"
	"github.com/animalrunner/listener/internal/resilience"
	"github.com/animalrunner/listener/internal/syncx"
	"github.com/animalrunner/listener/internal/trace"
)

// Source delivers captured blocks. *audio.Capturer implements it.
type Source interface {
	Start(ctx context.Context, fn audio.Handler) error
	Stop()
}

// Store persists emitted verdicts. *journal.BadgerStore implements it.
type Store interface {
	journal.Writer
	Recent(ctx context.Context, limit int) ([]journal.Record, error)
	Close() error
}

// Option customizes a Manager.
type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithSource attaches the audio source started by Start.
func WithSource(src Source) Option {
	return func(mgr *Manager) { mgr.source = src }
}

// WithJournal records every emitted verdict in store.
func WithJournal(store Store) Option {
	return func(mgr *Manager) { mgr.store = store }
}

// WithBreaker exports the inference breaker state as a gauge.
func WithBreaker(b *resilience.Breaker) Option {
	return func(mgr *Manager) { mgr.breaker = b }
}

// Manager is the process context: it owns every pipeline stage and the
// goroutines that drive them.
type Manager struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	now     func() time.Time

	ring     *audio.Ring
	queue    *scheduler.Queue
	consumer *scheduler.Consumer
	window   *observation.Aggregator
	emitter  *verdict.Emitter
	sink     verdict.Sink
	source   Source
	store    Store
	batcher  *journal.Batcher
	breaker  *resilience.Breaker

	lastCheck *syncx.Guarded[observation.Majority]
	startedAt time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New assembles the pipeline. labels is the resolved label list; every
// label but the background one counts as a positive class.
func New(cfg *config.Config, clf scheduler.Classifier, sink verdict.Sink, labels []string, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		now:       time.Now,
		sink:      sink,
		lastCheck: syncx.NewGuarded(observation.Majority{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}

	m.ring = audio.NewRing(cfg.BufferCapacity(), cfg.WindowSamples, cfg.ProcessInterval)
	m.queue = scheduler.NewQueue()
	m.window = observation.New(cfg.ObservationWindow, classifier.PositiveSet(labels, cfg.BackgroundLabel))
	m.consumer = scheduler.NewConsumer(m.queue, clf, m.window, scheduler.Options{
		WindowLen:         cfg.WindowSamples,
		DetectionCooldown: cfg.DetectionCooldown,
	}, m.metrics)
	m.emitter = verdict.New(sink, m.window, cfg.MajorityCooldown).WithMetrics(m.metrics)

	if m.store != nil {
		m.batcher = journal.NewBatcher(m.store, JournalBatchSize, JournalFlushDelay)
		m.emitter.Subscribe(m.batcher.Record)
	}
	if m.breaker != nil {
		m.metrics.BreakerState.Set(float64(m.breaker.State()))
		m.breaker.OnStateChange(func(_ string, _, to resilience.State) {
			m.metrics.BreakerState.Set(float64(to))
		})
	}
	return m
}

// Subscribe registers fn for every emitted verdict. fn must not block.
func (m *Manager) Subscribe(fn func(verdict.Verdict)) {
	m.emitter.Subscribe(fn)
}

// HandleBlock appends one captured block and enqueues a snapshot when one
// is due. It never blocks on classification.
func (m *Manager) HandleBlock(block []float32) {
	m.metrics.BlocksCaptured.Inc()
	m.ring.Extend(block)
	snap, ok := m.ring.SnapshotIfDue(m.now())
	if !ok {
		return
	}
	m.queue.Push(snap)
	m.metrics.SnapshotsEnqueued.Inc()
	m.metrics.QueueDepth.Set(float64(m.queue.Len()))
}

// Check runs one voting round at now: expired observations are dropped, the
// majority is computed, and a passing majority is handed to the emitter.
func (m *Manager) Check(ctx context.Context, now time.Time) (verdict.Verdict, bool, error) {
	m.window.EvictExpired(now)
	m.metrics.ObservationsInWindow.Set(float64(m.window.Len()))

	maj := m.window.Majority(m.cfg.MajorityThreshold)
	m.lastCheck.Store(maj)
	switch {
	case maj.Total == 0:
		m.metrics.MajorityChecks.WithLabelValues(metrics.OutcomeEmpty).Inc()
		return verdict.Verdict{}, false, nil
	case !maj.OK:
		m.metrics.MajorityChecks.WithLabelValues(metrics.OutcomeNoMajority).Inc()
		trace.Logger(ctx).Debug("no majority",
			"leader", maj.Label, "share", maj.Share, "total", maj.Total)
		return verdict.Verdict{}, false, nil
	}
	m.metrics.MajorityChecks.WithLabelValues(metrics.OutcomeMajority).Inc()

	ok, err := m.emitter.TryEmit(ctx, maj.Label, maj.Share, now)
	if err != nil || !ok {
		return verdict.Verdict{}, false, err
	}
	m.metrics.ObservationsInWindow.Set(float64(m.window.Len()))
	return verdict.Verdict{Label: maj.Label, Share: maj.Share, At: now}, true, nil
}

func (m *Manager) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MajorityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.Check(ctx, m.now()); err != nil {
				trace.Logger(ctx).Warn("verdict send failed", "error", err)
			}
		}
	}
}

// Start launches the consumer and checker loops and then the audio source.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return apperrors.New(apperrors.CodeInvalidArgument, "pipeline already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.startedAt = m.now()
	m.logBanner(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.consumer.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.checkLoop(ctx)
	}()

	if m.source != nil {
		if err := m.source.Start(ctx, m.HandleBlock); err != nil {
			cancel()
			m.wg.Wait()
			return apperrors.Wrap(err, apperrors.CodeUnavailable, "start audio capture")
		}
	}
	m.running = true
	return nil
}

// Stop halts capture, waits for the loops (a window being classified
// finishes first), flushes the journal and closes the sink.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false

	if m.source != nil {
		m.source.Stop()
	}
	m.cancel()
	m.wg.Wait()

	log := trace.Logger(context.Background())
	if m.batcher != nil {
		m.batcher.Stop()
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			log.Warn("journal close failed", "error", err)
		}
	}
	if c, ok := m.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("sink close failed", "error", err)
		}
	}
	log.Info("pipeline stopped", "verdicts", m.emitter.State().Emitted)
}

// Recent returns up to limit journaled verdicts, newest first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]journal.Record, error) {
	if m.store == nil {
		return nil, apperrors.New(apperrors.CodeUnavailable, "journal disabled")
	}
	if m.batcher != nil {
		m.batcher.Flush()
	}
	return m.store.Recent(ctx, limit)
}

func (m *Manager) logBanner(ctx context.Context) {
	trace.Logger(ctx).Info("listener pipeline starting",
		"sample_rate", m.cfg.SampleRate,
		"window_samples", m.cfg.WindowSamples,
		"buffer_capacity", m.ring.Cap(),
		"confidence_threshold", m.cfg.ConfidenceThreshold,
		"process_interval", m.cfg.ProcessInterval,
		"detection_cooldown", m.cfg.DetectionCooldown,
		"observation_window", m.cfg.ObservationWindow,
		"majority_threshold", m.cfg.MajorityThreshold,
		"majority_check_interval", m.cfg.MajorityCheckInterval,
		"majority_cooldown", m.cfg.MajorityCooldown,
		"sink", m.cfg.SinkAddr(),
		"journal", m.store != nil)
}
