package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// HeadDropout is the dropout rate ahead of the classification layer.
const HeadDropout = 0.3

// Head maps backbone features to class logits: dropout then linear.
type Head struct {
	Dropout *Dropout
	Linear  *Linear
	params  *Params
}

func newHead(features, classes int, rng *rand.Rand) *Head {
	h := &Head{
		Dropout: &Dropout{Rate: HeadDropout, rng: rng},
		Linear:  newLinear(features, classes),
		params:  NewParams(),
	}
	h.params.Add("classifier.1.weight", h.Linear.Weight)
	h.params.Add("classifier.1.bias", h.Linear.Bias)
	return h
}

// initRandom draws weights from U(-1/sqrt(classes), 1/sqrt(classes)) and
// zeroes the bias.
func (h *Head) initRandom(rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(h.Linear.Weight.Shape[0]))
	for i := range h.Linear.Weight.Data {
		h.Linear.Weight.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	for i := range h.Linear.Bias.Data {
		h.Linear.Bias.Data[i] = 0
	}
}

// Architecture is the classifier before weights are frozen: a backbone and a
// head whose output width is the number of classes.
type Architecture struct {
	Backbone   Backbone
	Head       *Head
	NumClasses int
	training   bool
}

// Parameters returns every state dict entry the architecture accepts.
func (a *Architecture) Parameters() *Params {
	return Merge(a.Backbone.Parameters(), a.Head.params)
}

// Train switches dropout on or off.
func (a *Architecture) Train(on bool) {
	a.training = on
}

// Forward computes logits for a single [3,H,W] tensor.
func (a *Architecture) Forward(ctx context.Context, x *tensor.Tensor) ([]float32, error) {
	if x == nil || x.Rank() != 3 || x.Shape[0] != tensorChannels {
		return nil, fmt.Errorf("expected a [3,H,W] tensor")
	}
	features, err := a.Backbone.Features(ctx, x)
	if err != nil {
		return nil, err
	}
	if len(features) != a.Backbone.FeatureWidth() {
		return nil, fmt.Errorf("backbone %s returned %d features, expected %d", a.Backbone.Name(), len(features), a.Backbone.FeatureWidth())
	}
	return a.Head.Linear.Forward(a.Head.Dropout.Forward(features, a.training))
}

func (a *Architecture) close() error {
	if c, ok := a.Backbone.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
