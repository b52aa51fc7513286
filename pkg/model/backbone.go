package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// Backbone names accepted by Build.
const (
	BackboneConvNet = "convnet"
	BackboneONNX    = "onnx"
)

// tensorChannels is the channel count of the RGB input.
const tensorChannels = 3

// Backbone extracts a fixed-width feature vector from a [3,H,W] image tensor.
type Backbone interface {
	Name() string
	FeatureWidth() int
	// Parameters lists the tensors a checkpoint may overwrite. Backbones
	// whose weights live outside the state dict return an empty set.
	Parameters() *Params
	Features(ctx context.Context, x *tensor.Tensor) ([]float32, error)
	SupportsDevice(d Device) bool
	To(d Device) error
}

// externalWeights is implemented by backbones whose weights are baked into
// an external artifact. Checkpoint keys they own are ignored on load.
type externalWeights interface {
	OwnsKey(name string) bool
}

type convStage struct {
	out    int
	kernel int
	stride int
}

// convNetStages describes the native backbone. Each stage is
// conv -> batch norm -> SiLU.
var convNetStages = []convStage{
	{out: 32, kernel: 3, stride: 2},
	{out: 64, kernel: 3, stride: 2},
	{out: 256, kernel: 1, stride: 1},
}

type convBlock struct {
	conv *Conv2d
	bn   *BatchNorm2d
}

// ConvNet is the pure-Go backbone. Its parameters follow the torchvision
// "features.<i>.<j>" naming so checkpoints exported from PyTorch line up.
type ConvNet struct {
	blocks []convBlock
	params *Params
}

// NewConvNet returns a backbone with identity batch norms and zero conv
// weights. Call initRandom or load weights before use.
func NewConvNet() *ConvNet {
	n := &ConvNet{params: NewParams()}
	in := tensorChannels
	for i, s := range convNetStages {
		b := convBlock{conv: newConv2d(in, s.out, s.kernel, s.stride), bn: newBatchNorm2d(s.out)}
		n.params.Add(fmt.Sprintf("features.%d.0.weight", i), b.conv.Weight)
		n.params.Add(fmt.Sprintf("features.%d.1.weight", i), b.bn.Weight)
		n.params.Add(fmt.Sprintf("features.%d.1.bias", i), b.bn.Bias)
		n.params.Add(fmt.Sprintf("features.%d.1.running_mean", i), b.bn.RunningMean)
		n.params.Add(fmt.Sprintf("features.%d.1.running_var", i), b.bn.RunningVar)
		n.blocks = append(n.blocks, b)
		in = s.out
	}
	return n
}

func (n *ConvNet) Name() string { return BackboneConvNet }

func (n *ConvNet) FeatureWidth() int { return convNetStages[len(convNetStages)-1].out }

func (n *ConvNet) Parameters() *Params { return n.params }

func (n *ConvNet) SupportsDevice(d Device) bool { return d == DeviceCPU }

func (n *ConvNet) To(d Device) error {
	if !n.SupportsDevice(d) {
		return fmt.Errorf("%s backbone cannot run on %s", n.Name(), d)
	}
	return nil
}

// Features runs the blocks and pools the result. The receiver is only read,
// so concurrent calls are safe once weights are loaded.
func (n *ConvNet) Features(ctx context.Context, x *tensor.Tensor) ([]float32, error) {
	h := x
	for i, b := range n.blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := b.conv.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("features.%d: %w", i, err)
		}
		b.bn.ForwardInPlace(out)
		siluInPlace(out)
		h = out
	}
	return globalAvgPool(h), nil
}

// initRandom fills conv weights with Kaiming-normal (fan-out) values and
// resets batch norms to identity.
func (n *ConvNet) initRandom(rng *rand.Rand) {
	for _, b := range n.blocks {
		w := b.conv.Weight
		fanOut := w.Shape[0] * w.Shape[2] * w.Shape[3]
		std := math.Sqrt(2 / float64(fanOut))
		for i := range w.Data {
			w.Data[i] = float32(rng.NormFloat64() * std)
		}
		for i := range b.bn.Weight.Data {
			b.bn.Weight.Data[i] = 1
			b.bn.Bias.Data[i] = 0
			b.bn.RunningMean.Data[i] = 0
			b.bn.RunningVar.Data[i] = 1
		}
	}
}
