package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels is the decompression-bomb threshold used by Pillow.
const DefaultMaxPixels = 178956970

// ErrTooManyPixels is returned for images whose declared size exceeds the
// pixel budget. The check runs on the header, before any pixel is decoded.
var ErrTooManyPixels = errors.New("image exceeds the pixel limit")

// Decode parses encoded image bytes and forces the result to 3-channel RGB.
// Images larger than DefaultMaxPixels are rejected.
func Decode(b []byte) (*image.RGBA, string, error) {
	return DecodeWithLimit(b, DefaultMaxPixels)
}

// DecodeWithLimit is Decode with an explicit pixel budget. A budget <= 0
// disables the check.
func DecodeWithLimit(b []byte, maxPixels int) (*image.RGBA, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, "", fmt.Errorf("unable to decode image: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d is more than %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, "", fmt.Errorf("unable to decode image: %w", err)
	}
	return ToRGB(img), format, nil
}

// ToRGB converts any decoded image into an opaque RGBA image whose colour
// channels are the straight (non-premultiplied) RGB values of the source.
// Alpha is discarded rather than composited; grayscale and paletted inputs
// are expanded to three channels.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.YCbCr, *image.Gray:
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := dst.PixOffset(0, y)
			for x := 0; x < b.Dx(); x++ {
				dst.Pix[di+0] = src.Pix[si+0]
				dst.Pix[di+1] = src.Pix[si+1]
				dst.Pix[di+2] = src.Pix[si+2]
				dst.Pix[di+3] = 0xff
				si += 4
				di += 4
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
			}
		}
	}

	return dst
}
