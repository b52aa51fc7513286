// Package inference turns model logits into a single prediction.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/instill-ai/landmark-backend/pkg/model"
	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// ErrNoPrediction is returned when the logits carry no usable maximum.
var ErrNoPrediction = errors.New("model produced no usable scores")

// Prediction is the most probable class and its softmax probability.
type Prediction struct {
	Index      int
	Confidence float64
}

// Engine runs the frozen model. It is safe for concurrent use.
type Engine struct {
	state *model.State
}

// NewEngine wraps a loaded model. state must not be nil.
func NewEngine(state *model.State) *Engine {
	return &Engine{state: state}
}

// NumClasses returns the number of outputs.
func (e *Engine) NumClasses() int {
	return e.state.NumClasses()
}

// Probabilities returns the softmax distribution over classes for x.
func (e *Engine) Probabilities(ctx context.Context, x *tensor.Tensor) ([]float64, error) {
	logits, err := e.state.Forward(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	return tensor.Softmax(logits), nil
}

// Classify returns the arg-max class of x. When several classes share the
// maximum the lowest index wins.
func (e *Engine) Classify(ctx context.Context, x *tensor.Tensor) (Prediction, error) {
	probs, err := e.Probabilities(ctx, x)
	if err != nil {
		return Prediction{}, err
	}
	idx, p := tensor.Argmax(probs)
	if idx < 0 {
		return Prediction{}, ErrNoPrediction
	}
	return Prediction{Index: idx, Confidence: p}, nil
}
