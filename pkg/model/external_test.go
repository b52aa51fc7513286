package model

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// graphBackbone stands in for a backbone whose weights are compiled into an
// external graph, like the ONNX one. It emits a constant feature vector.
type graphBackbone struct {
	width int
}

func (g *graphBackbone) Name() string { return "graph" }

func (g *graphBackbone) FeatureWidth() int { return g.width }

func (g *graphBackbone) Parameters() *Params { return NewParams() }

func (g *graphBackbone) Features(context.Context, *tensor.Tensor) ([]float32, error) {
	f := make([]float32, g.width)
	for i := range f {
		f[i] = 1
	}
	return f, nil
}

func (g *graphBackbone) SupportsDevice(d Device) bool { return d == DeviceCPU }

func (g *graphBackbone) To(Device) error { return nil }

func (g *graphBackbone) OwnsKey(name string) bool { return strings.HasPrefix(name, "features.") }

func graphArchitecture(width, classes int) *Architecture {
	return &Architecture{
		Backbone:   &graphBackbone{width: width},
		Head:       newHead(width, classes, rand.New(rand.NewSource(1))),
		NumClasses: classes,
	}
}

// headCheckpoint is a state dict with trained head weights plus the backbone
// entries a PyTorch export would carry.
func headCheckpoint() map[string]*tensor.Tensor {
	w := tensor.New(2, 4)
	copy(w.Data, []float32{1, 1, 1, 1, -1, 0, 0, 0})
	b := tensor.New(2)
	copy(b.Data, []float32{0, 2})
	return map[string]*tensor.Tensor{
		"features.0.0.weight":       tensor.New(40, 3, 3, 3),
		"features.0.1.running_mean": tensor.New(40),
		"classifier.1.weight":       w,
		"classifier.1.bias":         b,
	}
}

func TestLoadStrict_ExternalWeights(t *testing.T) {
	t.Run("backbone keys are owned by the graph", func(t *testing.T) {
		arch := graphArchitecture(4, 2)
		require.NoError(t, loadStrict(arch, &Checkpoint{Tensors: headCheckpoint()}))
		assert.Equal(t, []float32{1, 1, 1, 1, -1, 0, 0, 0}, arch.Head.Linear.Weight.Data)
		assert.Equal(t, []float32{0, 2}, arch.Head.Linear.Bias.Data)
	})

	t.Run("keys outside the graph are still unexpected", func(t *testing.T) {
		arch := graphArchitecture(4, 2)
		before := append([]float32(nil), arch.Head.Linear.Weight.Data...)

		tensors := headCheckpoint()
		tensors["extra.weight"] = tensor.New(1)
		err := loadStrict(arch, &Checkpoint{Tensors: tensors})
		assert.ErrorIs(t, err, ErrStateDictMismatch)
		assert.ErrorContains(t, err, "unexpected keys [extra.weight]")
		assert.Equal(t, before, arch.Head.Linear.Weight.Data)
	})

	t.Run("head keys stay required", func(t *testing.T) {
		arch := graphArchitecture(4, 2)
		tensors := headCheckpoint()
		delete(tensors, "classifier.1.bias")
		err := loadStrict(arch, &Checkpoint{Tensors: tensors})
		assert.ErrorContains(t, err, "missing keys [classifier.1.bias]")
	})
}

func TestLoadCheckpoint_ExternalWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_model.safetensors")
	require.NoError(t, WriteCheckpointFile(path, headCheckpoint(), nil))

	state, err := LoadCheckpoint(context.Background(), graphArchitecture(4, 2), path, DeviceCUDA)
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, state.Device())
	assert.Equal(t, "graph", state.BackboneName())

	logits, err := state.Forward(context.Background(), tensor.New(3, 8, 8))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{4, 1}, logits, 1e-6)
}
