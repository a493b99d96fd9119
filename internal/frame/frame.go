// Package frame defines the captured video frame shared by the capture
// source and every inference pipeline.
package frame

import (
	"image"
	"image/draw"
	"time"
)

// Frame is a decoded video frame.
//
// A Frame is immutable once captured. Pipelines share it read-only; any
// transform (scaling, cropping) produces a new Frame.
type Frame struct {
	// Seq is the capture sequence number, monotonically increasing per source.
	Seq uint64

	Width  int
	Height int

	// Image holds the pixels (RGBA, top-left origin).
	Image *image.RGBA

	// Timestamp is when the frame was read from the device.
	Timestamp time.Time

	// SessionID identifies the capture session that produced the frame.
	SessionID string
}

// New copies img into an owned RGBA buffer and wraps it as a Frame.
// The copy is skipped when img is already an *image.RGBA with a zero origin.
func New(img image.Image, seq uint64) *Frame {
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Bounds().Min != (image.Point{}) {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	size := rgba.Bounds().Size()
	return &Frame{
		Seq:       seq,
		Width:     size.X,
		Height:    size.Y,
		Image:     rgba,
		Timestamp: time.Now(),
	}
}

// Derive wraps img as a frame carrying f's identity (sequence, timestamp
// and session). Used by transforms so results stay correlated to the
// originating capture.
func (f *Frame) Derive(img image.Image) *Frame {
	d := New(img, f.Seq)
	d.Timestamp = f.Timestamp
	d.SessionID = f.SessionID
	return d
}

// Pix returns the raw pixel buffer. Callers must not modify it.
func (f *Frame) Pix() []byte {
	return f.Image.Pix
}

// Size returns the frame dimensions.
func (f *Frame) Size() image.Point {
	return image.Pt(f.Width, f.Height)
}

// Empty reports whether the frame carries no pixels.
func (f *Frame) Empty() bool {
	return f == nil || f.Image == nil || f.Width == 0 || f.Height == 0
}
