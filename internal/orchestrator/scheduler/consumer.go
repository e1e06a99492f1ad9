package scheduler

import (
	"context"
	"time"

	"github.com/animalrunner/listener/internal/classifier"
	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/metrics"
	"github.com/animalrunner/listener/internal/orchestrator/preprocess"
	"github.com/animalrunner/listener/internal/trace"
)

// Classifier labels one preprocessed window.
type Classifier interface {
	Classify(ctx context.Context, t preprocess.Tensor) (classifier.Result, error)
}

// Sink receives every labelled result.
type Sink interface {
	Add(label string, confidence float64, now time.Time) bool
	EvictExpired(now time.Time) int
}

type Options struct {
	WindowLen         int
	DetectionCooldown time.Duration
}

// Consumer classifies queued windows one at a time.
type Consumer struct {
	queue   *Queue
	clf     Classifier
	sink    Sink
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	// owned by the Run goroutine
	lastDetection time.Time
}

func NewConsumer(q *Queue, clf Classifier, sink Sink, opts Options, m *metrics.Metrics) *Consumer {
	return &Consumer{queue: q, clf: clf, sink: sink, opts: opts, metrics: m, now: time.Now}
}

// Run pops and processes windows until ctx is cancelled. A window already
// being classified finishes first.
func (c *Consumer) Run(ctx context.Context) {
	for {
		w, ok := c.queue.Pop(ctx)
		if !ok {
			return
		}
		c.metrics.QueueDepth.Set(float64(c.queue.Len()))
		c.Process(ctx, w, c.now())
	}
}

// Process classifies one window observed at now. It reports the result and
// whether the window was classified at all.
func (c *Consumer) Process(ctx context.Context, window []float32, now time.Time) (classifier.Result, bool) {
	if !c.lastDetection.IsZero() && now.Sub(c.lastDetection) < c.opts.DetectionCooldown {
		c.metrics.WindowsCooldown.Inc()
		return classifier.Result{}, false
	}

	ctx, span := trace.StartSpan(context.WithoutCancel(ctx), "classify_window")
	defer span.Finish()
	span.SetAttr("samples", len(window))
	log := trace.Logger(ctx)

	t, err := preprocess.Window(window, c.opts.WindowLen)
	if err != nil {
		c.metrics.PreprocessFailures.Inc()
		log.Warn("preprocess failed",
			"stage", "preprocess",
			"samples", len(window),
			"want", c.opts.WindowLen,
			"code", apperrors.CodeOf(err).String(),
			"error", err)
		return classifier.Result{}, false
	}

	start := time.Now()
	res, err := c.clf.Classify(ctx, t)
	c.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.InferenceFailures.Inc()
		log.Warn("inference failed",
			"stage", "inference",
			"samples", t.Len(),
			"confidence", res.Confidence,
			"code", apperrors.CodeOf(err).String(),
			"error", err)
		return res, false
	}
	if res.Label == "" {
		return res, false
	}

	span.SetAttr("label", res.Label)
	c.metrics.Classifications.WithLabelValues(res.Label).Inc()
	c.metrics.Confidence.Observe(res.Confidence)

	if c.sink.Add(res.Label, res.Confidence, now) {
		log.Debug("observation added", "label", res.Label, "confidence", res.Confidence)
	}
	c.sink.EvictExpired(now)
	c.lastDetection = now
	return res, true
}
