package model

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/instill-ai/landmark-backend/pkg/logger"
	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// ErrStateDictMismatch is returned when a checkpoint does not fit the
// architecture exactly.
var ErrStateDictMismatch = errors.New("checkpoint does not match the architecture")

// ONNXOptions configures the ONNX Runtime backbone.
type ONNXOptions struct {
	Path          string
	SharedLibrary string
	FeatureWidth  int
	InputName     string
	OutputName    string
}

// BuildOptions configures Build.
type BuildOptions struct {
	Backbone   string
	NumClasses int
	Seed       int64
	Pretrained PretrainedSource
	ONNX       ONNXOptions
}

// Build constructs the architecture with a head of NumClasses outputs. The
// native backbone is seeded from the pretrained prior when it can be fetched
// and falls back to random weights otherwise. A nil architecture means the
// last status has OutcomeFailed.
func Build(ctx context.Context, opts BuildOptions) (*Architecture, []Status) {
	if opts.NumClasses <= 0 {
		return nil, []Status{failed(StageBackbone, fmt.Errorf("number of classes must be positive, got %d", opts.NumClasses))}
	}

	var statuses []Status
	var backbone Backbone
	switch opts.Backbone {
	case "", BackboneConvNet:
	case BackboneONNX:
		b, err := newONNXBackbone(opts.ONNX)
		if err != nil {
			statuses = append(statuses, fallback(StageBackbone, fmt.Errorf("onnx backbone unavailable, using %s: %w", BackboneConvNet, err)))
		} else {
			backbone = b
			statuses = append(statuses, ok(StageBackbone))
		}
	default:
		return nil, []Status{failed(StageBackbone, fmt.Errorf("unknown backbone %q", opts.Backbone))}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	if backbone == nil {
		n := NewConvNet()
		n.initRandom(rng)
		statuses = append(statuses, loadPrior(ctx, n, opts.Pretrained))
		backbone = n
	} else {
		// the graph carries its own weights
		statuses = append(statuses, ok(StagePretrained))
	}

	head := newHead(backbone.FeatureWidth(), opts.NumClasses, rng)
	head.initRandom(rng)

	return &Architecture{Backbone: backbone, Head: head, NumClasses: opts.NumClasses}, statuses
}

func loadPrior(ctx context.Context, n *ConvNet, src PretrainedSource) Status {
	if src == nil {
		return fallback(StagePretrained, ErrNoPretrainedSource)
	}
	b, err := src.Fetch(ctx)
	if err != nil {
		return fallback(StagePretrained, err)
	}
	ckpt, err := ReadCheckpoint(bytes.NewReader(b))
	if err != nil {
		return fallback(StagePretrained, err)
	}
	if _, err := applyPretrained(n.Parameters(), ckpt); err != nil {
		return fallback(StagePretrained, err)
	}
	return ok(StagePretrained)
}

// LoadCheckpoint reads the fine-tuned state dict at path into arch, places it
// on device and freezes it in evaluation mode. Missing keys, unexpected keys
// and shape mismatches are all errors. When the backbone cannot run on the
// requested device, the CPU is used instead and a warning is logged.
func LoadCheckpoint(ctx context.Context, arch *Architecture, path string, device Device) (*State, error) {
	log, _ := logger.GetZapLogger(ctx)

	ckpt, err := ReadCheckpointFile(path)
	if err != nil {
		return nil, err
	}
	if err := loadStrict(arch, ckpt); err != nil {
		return nil, errors.Wrapf(err, "unable to load %s", path)
	}

	if !arch.Backbone.SupportsDevice(device) {
		log.Warn("backbone does not support the requested device, using cpu",
			zap.String("backbone", arch.Backbone.Name()),
			zap.String("device", string(device)))
		device = DeviceCPU
	}
	if err := arch.Backbone.To(device); err != nil {
		if device == DeviceCPU {
			return nil, errors.Wrapf(err, "unable to place model on %s", device)
		}
		log.Warn("unable to place model on the requested device, using cpu",
			zap.String("device", string(device)), zap.Error(err))
		device = DeviceCPU
		if err := arch.Backbone.To(device); err != nil {
			return nil, errors.Wrapf(err, "unable to place model on %s", device)
		}
	}

	frozen := *arch
	frozen.training = false
	return &State{arch: &frozen, device: device}, nil
}

func loadStrict(arch *Architecture, ckpt *Checkpoint) error {
	params := arch.Parameters()
	ext, _ := arch.Backbone.(externalWeights)

	var missing, mismatched, unexpected []string
	for _, name := range params.Names() {
		src, ok := ckpt.Tensors[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		dst, _ := params.Get(name)
		if !dst.SameShape(src.Shape) {
			mismatched = append(mismatched, fmt.Sprintf("%s %v != %v", name, src.Shape, dst.Shape))
		}
	}
	for name := range ckpt.Tensors {
		if _, ok := params.Get(name); ok {
			continue
		}
		if ext != nil && ext.OwnsKey(name) {
			continue
		}
		unexpected = append(unexpected, name)
	}

	if len(missing)+len(mismatched)+len(unexpected) > 0 {
		sort.Strings(unexpected)
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, fmt.Sprintf("missing keys %v", missing))
		}
		if len(unexpected) > 0 {
			parts = append(parts, fmt.Sprintf("unexpected keys %v", unexpected))
		}
		if len(mismatched) > 0 {
			parts = append(parts, fmt.Sprintf("shape mismatch %v", mismatched))
		}
		return fmt.Errorf("%w: %s", ErrStateDictMismatch, strings.Join(parts, "; "))
	}

	for _, name := range params.Names() {
		dst, _ := params.Get(name)
		copy(dst.Data, ckpt.Tensors[name].Data)
	}
	return nil
}

// InitOptions configures Init.
type InitOptions struct {
	Build      BuildOptions
	Checkpoint string
	Device     string
}

// Init builds the architecture, loads the checkpoint and returns the frozen
// model. Each stage is reported in the returned statuses and logged. The
// state is nil when any stage failed.
func Init(ctx context.Context, opts InitOptions) (*State, []Status) {
	log, _ := logger.GetZapLogger(ctx)

	arch, statuses := Build(ctx, opts.Build)
	for _, s := range statuses {
		s.Log(log)
	}
	if arch == nil {
		return nil, statuses
	}

	requested := SelectDevice(opts.Device)
	state, err := LoadCheckpoint(ctx, arch, opts.Checkpoint, requested)
	if err != nil {
		_ = arch.close()
		s := failed(StageCheckpoint, err)
		s.Log(log)
		return nil, append(statuses, s)
	}
	s := ok(StageCheckpoint)
	s.Log(log)
	statuses = append(statuses, s)

	if state.Device() != requested {
		s = fallback(StageDevice, fmt.Errorf("%s backbone cannot run on %s, using %s", arch.Backbone.Name(), requested, state.Device()))
	} else {
		s = ok(StageDevice)
	}
	s.Log(log)
	return state, append(statuses, s)
}

// State is a frozen model in evaluation mode. It is safe for concurrent use.
type State struct {
	arch   *Architecture
	device Device
}

// Device returns where the model runs.
func (s *State) Device() Device { return s.device }

// NumClasses returns the width of the logits.
func (s *State) NumClasses() int { return s.arch.NumClasses }

// BackboneName returns the backbone in use.
func (s *State) BackboneName() string { return s.arch.Backbone.Name() }

// Forward returns logits for a single [3,H,W] tensor.
func (s *State) Forward(ctx context.Context, x *tensor.Tensor) ([]float32, error) {
	return s.arch.Forward(ctx, x)
}

// Close releases backbone resources.
func (s *State) Close() error {
	return s.arch.close()
}
