// Package classifier turns model probability vectors into labelled results.
package classifier

import (
	"context"
	"fmt"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/orchestrator/preprocess"
)

// Engine produces one probability per class for a [1, L] tensor.
type Engine interface {
	Predict(ctx context.Context, t preprocess.Tensor) ([]float32, error)
}

// Result is one window's classification. The zero value means no label.
type Result struct {
	Label      string
	Confidence float64
}

type Options struct {
	ConfidenceThreshold float64
	BackgroundLabel     string
	WindowLen           int
}

// Adapter applies the confidence decision rule to an Engine's output.
type Adapter struct {
	engine Engine
	labels []string
	opts   Options
}

func NewAdapter(engine Engine, labels []string, opts Options) *Adapter {
	if opts.BackgroundLabel == "" {
		opts.BackgroundLabel = DefaultBackgroundLabel
	}
	return &Adapter{engine: engine, labels: labels, opts: opts}
}

// Labels returns the label list in class-index order.
func (a *Adapter) Labels() []string { return a.labels }

// Classify runs the engine and picks the most probable class. Below the
// confidence threshold the background label is reported with the true
// confidence. Every failure returns the zero Result.
func (a *Adapter) Classify(ctx context.Context, t preprocess.Tensor) (Result, error) {
	if a.engine == nil {
		return Result{}, apperrors.New(apperrors.CodeInferenceFailed, "model not loaded")
	}
	if t.Shape != [2]int{1, a.opts.WindowLen} || len(t.Data) != a.opts.WindowLen {
		return Result{}, apperrors.Newf(apperrors.CodeInferenceFailed,
			"input shape %v, want [1 %d]", t.Shape, a.opts.WindowLen)
	}

	probs, err := a.engine.Predict(ctx, t)
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.CodeInferenceFailed, "predict")
	}
	if len(probs) == 0 {
		return Result{}, apperrors.New(apperrors.CodeInferenceFailed, "empty probability vector")
	}

	idx := 0
	for i, p := range probs {
		if p > probs[idx] {
			idx = i
		}
	}
	conf := float64(probs[idx])

	if conf < a.opts.ConfidenceThreshold {
		return Result{Label: a.opts.BackgroundLabel, Confidence: conf}, nil
	}
	return Result{Label: a.labelAt(idx), Confidence: conf}, nil
}

func (a *Adapter) labelAt(idx int) string {
	if idx < len(a.labels) {
		return a.labels[idx]
	}
	return fmt.Sprintf("Unknown_%d", idx)
}
