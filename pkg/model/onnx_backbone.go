//go:build onnxruntime

package model

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// onnxInputSize is the spatial size the exported graph was traced with.
const onnxInputSize = 300

// onnxBackbone runs a feature extractor exported to ONNX. Its weights are
// part of the graph, so "features.*" checkpoint keys are not loaded.
type onnxBackbone struct {
	opts ONNXOptions

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newONNXBackbone(opts ONNXOptions) (Backbone, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("no onnx model path configured")
	}
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("onnx model: %w", err)
	}
	if opts.FeatureWidth <= 0 {
		return nil, fmt.Errorf("onnx feature width must be positive, got %d", opts.FeatureWidth)
	}
	if opts.SharedLibrary != "" {
		ort.SetSharedLibraryPath(opts.SharedLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	return &onnxBackbone{opts: opts}, nil
}

func (b *onnxBackbone) Name() string { return BackboneONNX }

func (b *onnxBackbone) FeatureWidth() int { return b.opts.FeatureWidth }

func (b *onnxBackbone) Parameters() *Params { return NewParams() }

func (b *onnxBackbone) OwnsKey(name string) bool { return strings.HasPrefix(name, "features.") }

func (b *onnxBackbone) SupportsDevice(d Device) bool { return d == DeviceCPU || d == DeviceCUDA }

// To creates the session with the execution provider for d.
func (b *onnxBackbone) To(d Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.destroy()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if d == DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("failed to enable CUDA: %w", err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, tensorChannels, onnxInputSize, onnxInputSize))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(b.opts.FeatureWidth)))
	if err != nil {
		input.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(b.opts.Path,
		[]string{b.opts.InputName}, []string{b.opts.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	b.session, b.input, b.output = session, input, output
	return nil
}

// Features runs the graph. Calls are serialised because the session binds a
// single pair of input and output buffers.
func (b *onnxBackbone) Features(ctx context.Context, x *tensor.Tensor) ([]float32, error) {
	if !x.SameShape([]int{tensorChannels, onnxInputSize, onnxInputSize}) {
		return nil, fmt.Errorf("onnx backbone expects [3,%d,%d] input, got %v", onnxInputSize, onnxInputSize, x.Shape)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, fmt.Errorf("onnx session is not initialized")
	}

	copy(b.input.GetData(), x.Data)
	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return append([]float32(nil), b.output.GetData()...), nil
}

func (b *onnxBackbone) destroy() {
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	if b.output != nil {
		b.output.Destroy()
		b.output = nil
	}
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
}

func (b *onnxBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroy()
	return nil
}
