package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/dudu/visioncap/internal/frame"
)

// ErrInvalidScale is returned for non-positive or non-finite scale factors
// and target sizes.
var ErrInvalidScale = errors.New("geometry: invalid scale")

// ScaleUniform resamples f by factor on both axes with a Lanczos filter.
func ScaleUniform(f *frame.Frame, factor float64) (*frame.Frame, error) {
	if !validFactor(factor) {
		return nil, fmt.Errorf("%w: factor %v", ErrInvalidScale, factor)
	}
	if f.Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidScale)
	}

	w := scaledDim(f.Width, factor)
	h := scaledDim(f.Height, factor)
	if w == f.Width && h == f.Height {
		return f, nil
	}

	return f.Derive(resize.Resize(uint(w), uint(h), f.Image, resize.Lanczos3)), nil
}

// ScaleNonUniform scales each axis independently through an affine resample.
func ScaleNonUniform(f *frame.Frame, scaleX, scaleY float64) (*frame.Frame, error) {
	if !validFactor(scaleX) || !validFactor(scaleY) {
		return nil, fmt.Errorf("%w: factors %vx%v", ErrInvalidScale, scaleX, scaleY)
	}
	if f.Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidScale)
	}
	return affine(f, scaleX, scaleY, scaledDim(f.Width, scaleX), scaledDim(f.Height, scaleY)), nil
}

// ScaleTo maps f onto exactly width×height pixels. Frames already at the
// target size are returned as-is.
func ScaleTo(f *frame.Frame, width, height int) (*frame.Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: target %dx%d", ErrInvalidScale, width, height)
	}
	if f.Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidScale)
	}
	if f.Width == width && f.Height == height {
		return f, nil
	}
	sx := float64(width) / float64(f.Width)
	sy := float64(height) / float64(f.Height)
	return affine(f, sx, sy, width, height), nil
}

func affine(f *frame.Frame, sx, sy float64, w, h int) *frame.Frame {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	s2d := f64.Aff3{
		sx, 0, 0,
		0, sy, 0,
	}
	draw.BiLinear.Transform(dst, s2d, f.Image, f.Image.Bounds(), draw.Src, nil)
	return f.Derive(dst)
}

func validFactor(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func scaledDim(n int, factor float64) int {
	d := int(math.Round(float64(n) * factor))
	if d < 1 {
		return 1
	}
	return d
}
