package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// Conv2d is a 2-D convolution over a CHW tensor without bias.
type Conv2d struct {
	Weight  *tensor.Tensor // [out, in, k, k]
	Stride  int
	Padding int
}

func newConv2d(in, out, kernel, stride int) *Conv2d {
	return &Conv2d{
		Weight:  tensor.New(out, in, kernel, kernel),
		Stride:  stride,
		Padding: kernel / 2,
	}
}

// Forward applies the convolution.
func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	outC, inC, k := c.Weight.Shape[0], c.Weight.Shape[1], c.Weight.Shape[2]
	if x.Rank() != 3 || x.Shape[0] != inC {
		return nil, fmt.Errorf("conv expects [%d,H,W] input, got %v", inC, x.Shape)
	}
	h, w := x.Shape[1], x.Shape[2]
	oh := (h+2*c.Padding-k)/c.Stride + 1
	ow := (w+2*c.Padding-k)/c.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("input %dx%d is too small for a %dx%d kernel", h, w, k, k)
	}

	out := tensor.New(outC, oh, ow)
	for o := 0; o < outC; o++ {
		dst := out.Data[o*oh*ow : (o+1)*oh*ow]
		for ci := 0; ci < inC; ci++ {
			src := x.Data[ci*h*w : (ci+1)*h*w]
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					wv := c.Weight.Data[((o*inC+ci)*k+ky)*k+kx]
					if wv == 0 {
						continue
					}
					for oy := 0; oy < oh; oy++ {
						iy := oy*c.Stride - c.Padding + ky
						if iy < 0 || iy >= h {
							continue
						}
						srow := src[iy*w : (iy+1)*w]
						drow := dst[oy*ow : (oy+1)*ow]
						for ox := 0; ox < ow; ox++ {
							ix := ox*c.Stride - c.Padding + kx
							if ix < 0 || ix >= w {
								continue
							}
							drow[ox] += wv * srow[ix]
						}
					}
				}
			}
		}
	}
	return out, nil
}

// BatchNorm2d normalises each channel with its running statistics. Only the
// evaluation form is implemented.
type BatchNorm2d struct {
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float64
}

func newBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Weight:      tensor.New(channels),
		Bias:        tensor.New(channels),
		RunningMean: tensor.New(channels),
		RunningVar:  tensor.New(channels),
		Eps:         1e-5,
	}
	for i := 0; i < channels; i++ {
		bn.Weight.Data[i] = 1
		bn.RunningVar.Data[i] = 1
	}
	return bn
}

// ForwardInPlace normalises x in place.
func (bn *BatchNorm2d) ForwardInPlace(x *tensor.Tensor) {
	channels := x.Shape[0]
	plane := x.Len() / channels
	for c := 0; c < channels; c++ {
		scale := float64(bn.Weight.Data[c]) / math.Sqrt(float64(bn.RunningVar.Data[c])+bn.Eps)
		shift := float64(bn.Bias.Data[c]) - float64(bn.RunningMean.Data[c])*scale
		s, b := float32(scale), float32(shift)
		for i, v := range x.Data[c*plane : (c+1)*plane] {
			x.Data[c*plane+i] = v*s + b
		}
	}
}

// siluInPlace applies x * sigmoid(x).
func siluInPlace(x *tensor.Tensor) {
	for i, v := range x.Data {
		x.Data[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

// globalAvgPool reduces [C,H,W] to a C-length vector.
func globalAvgPool(x *tensor.Tensor) []float32 {
	channels := x.Shape[0]
	plane := x.Len() / channels
	out := make([]float32, channels)
	for c := 0; c < channels; c++ {
		var sum float64
		for _, v := range x.Data[c*plane : (c+1)*plane] {
			sum += float64(v)
		}
		out[c] = float32(sum / float64(plane))
	}
	return out
}

// Linear is a fully-connected layer y = Wx + b.
type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // [out]
}

func newLinear(in, out int) *Linear {
	return &Linear{
		Weight: tensor.New(out, in),
		Bias:   tensor.New(out),
	}
}

// Forward applies the layer.
func (l *Linear) Forward(x []float32) ([]float32, error) {
	out, in := l.Weight.Shape[0], l.Weight.Shape[1]
	if len(x) != in {
		return nil, fmt.Errorf("linear layer expects %d features, got %d", in, len(x))
	}
	var wx mat.VecDense
	wx.MulVec(mat.NewDense(out, in, tensor.Float64s(l.Weight.Data)), mat.NewVecDense(in, tensor.Float64s(x)))

	y := make([]float32, out)
	for o := range y {
		y[o] = float32(wx.AtVec(o)) + l.Bias.Data[o]
	}
	return y, nil
}

// Dropout zeroes activations with probability Rate while training and scales
// the survivors by 1/(1-Rate). In evaluation mode it is the identity.
type Dropout struct {
	Rate float64
	rng  *rand.Rand
}

// Forward applies dropout. x is never modified.
func (d *Dropout) Forward(x []float32, training bool) []float32 {
	if !training || d.Rate == 0 {
		return x
	}
	keep := 1 - d.Rate
	y := make([]float32, len(x))
	for i, v := range x {
		if d.rng.Float64() < keep {
			y[i] = v / float32(keep)
		}
	}
	return y
}
