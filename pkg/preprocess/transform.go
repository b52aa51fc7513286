// Package preprocess turns decoded images into the fixed-shape, normalised
// tensor the classifier was trained on.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// The constants below must match the evaluation transform used when the
// checkpoint was produced. A mismatch does not fail, it only degrades
// predictions.
const (
	ResizeShorter = 345
	CropSize      = 300
	Channels      = 3
)

var (
	// Mean is the per-channel ImageNet mean for R, G, B.
	Mean = [Channels]float32{0.485, 0.456, 0.406}
	// Std is the per-channel ImageNet standard deviation for R, G, B.
	Std = [Channels]float32{0.229, 0.224, 0.225}
)

// MaxResizedEdge bounds the long edge after the shorter edge is scaled to
// ResizeShorter, which caps the accepted aspect ratio at roughly 95:1.
const MaxResizedEdge = 1 << 15

var (
	// ErrEmptyImage is returned for images with no pixels.
	ErrEmptyImage = errors.New("image has no pixels")
	// ErrAspectRatio is returned for images too elongated to resize.
	ErrAspectRatio = errors.New("image aspect ratio is too extreme")
)

// Transform is the evaluation-time pipeline: resize shorter edge, center
// crop, scale to [0,1], normalise per channel. It is safe for concurrent use.
type Transform struct {
	// MaxPixels is the pixel budget enforced by Decode.
	MaxPixels int
}

// New returns the frozen transform with the default pixel budget.
func New() *Transform {
	return &Transform{MaxPixels: DefaultMaxPixels}
}

// Decode decodes b within the transform's pixel budget.
func (t *Transform) Decode(b []byte) (*image.RGBA, string, error) {
	return DecodeWithLimit(b, t.MaxPixels)
}

// OutputShape is the CHW shape produced by Apply.
func (t *Transform) OutputShape() []int {
	return []int{Channels, CropSize, CropSize}
}

// Apply runs the pipeline on an RGB image and returns a [3,300,300] tensor.
func (t *Transform) Apply(img *image.RGBA) (*tensor.Tensor, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrEmptyImage
	}

	resized, err := resizeShorter(img, ResizeShorter)
	if err != nil {
		return nil, err
	}

	rb := resized.Bounds()
	if rb.Dx() < CropSize || rb.Dy() < CropSize {
		return nil, fmt.Errorf("resized image %dx%d is smaller than the %dx%d crop", rb.Dx(), rb.Dy(), CropSize, CropSize)
	}
	top := int(math.RoundToEven(float64(rb.Dy()-CropSize) / 2))
	left := int(math.RoundToEven(float64(rb.Dx()-CropSize) / 2))

	out := tensor.New(Channels, CropSize, CropSize)
	plane := CropSize * CropSize
	for y := 0; y < CropSize; y++ {
		row := resized.PixOffset(rb.Min.X+left, rb.Min.Y+top+y)
		for x := 0; x < CropSize; x++ {
			pi := row + 4*x
			oi := y*CropSize + x
			for c := 0; c < Channels; c++ {
				v := float32(resized.Pix[pi+c]) / 255
				out.Data[c*plane+oi] = (v - Mean[c]) / Std[c]
			}
		}
	}

	return out, nil
}

// resizeShorter scales img so that its shorter edge equals size, keeping the
// aspect ratio. The longer edge is truncated, not rounded, and must not
// exceed MaxResizedEdge.
func resizeShorter(img *image.RGBA, size int) (*image.RGBA, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	short, long := w, h
	if w > h {
		short, long = h, w
	}
	scaled := float64(size) * float64(long) / float64(short)
	if scaled > MaxResizedEdge {
		return nil, fmt.Errorf("%w: %dx%d would resize to a %.0f pixel edge", ErrAspectRatio, w, h, scaled)
	}

	var nw, nh int
	if w <= h {
		nw, nh = size, int(scaled)
	} else {
		nw, nh = int(scaled), size
	}

	if nw == w && nh == h {
		return img, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}
