// Package geometry holds the pure image and coordinate transforms shared by
// the capture and inference layers.
//
// Two coordinate spaces are in play:
//   - inference space: the unit square with a bottom-left origin, as reported
//     by detector engines
//   - pixel space: frame pixels with a top-left origin, as published to
//     consumers
//
// Normalized coordinates are always mapped with the frame's own dimensions,
// never with display dimensions.
package geometry

import "math"

// Point is a 2D point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle given by its origin and size.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// MaxX returns the right edge.
func (r Rect) MaxX() float64 { return r.X + r.Width }

// MaxY returns the far vertical edge.
func (r Rect) MaxY() float64 { return r.Y + r.Height }

// Center returns the rect center.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Area returns the rect area.
func (r Rect) Area() float64 { return r.Width * r.Height }

// Canon returns r with a non-negative size, moving the origin as needed.
func (r Rect) Canon() Rect {
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}

// NormalizedToPixel maps a unit-square rect onto a width×height pixel grid.
func NormalizedToPixel(r Rect, width, height int) Rect {
	w, h := float64(width), float64(height)
	return Rect{
		X:      r.X * w,
		Y:      r.Y * h,
		Width:  r.Width * w,
		Height: r.Height * h,
	}.Canon()
}

// PixelToNormalized is the inverse of NormalizedToPixel.
func PixelToNormalized(r Rect, width, height int) Rect {
	if width <= 0 || height <= 0 {
		return Rect{}
	}
	w, h := float64(width), float64(height)
	return Rect{
		X:      r.X / w,
		Y:      r.Y / h,
		Width:  r.Width / w,
		Height: r.Height / h,
	}.Canon()
}

// NormalizedPointToPixel maps a unit-square point onto a width×height grid.
func NormalizedPointToPixel(p Point, width, height int) Point {
	return Point{X: p.X * float64(width), Y: p.Y * float64(height)}
}

// FlipY reflects p across the horizontal axis of a space of the given height.
// Converts between bottom-left and top-left origins (it is its own inverse).
func FlipY(p Point, height float64) Point {
	return Point{X: p.X, Y: height - p.Y}
}

// FlipRectY reflects r across the horizontal axis of a space of the given
// height; the origin stays the rect's minimum corner.
func FlipRectY(r Rect, height float64) Rect {
	r = r.Canon()
	r.Y = height - r.Y - r.Height
	return r
}

// InferenceRectToPixel converts an inference-space rect (unit square,
// bottom-left origin) into top-left pixel space of a width×height frame.
func InferenceRectToPixel(r Rect, width, height int) Rect {
	return NormalizedToPixel(FlipRectY(r, 1), width, height)
}

// PixelRectToInference is the inverse of InferenceRectToPixel.
func PixelRectToInference(r Rect, width, height int) Rect {
	return FlipRectY(PixelToNormalized(r, width, height), 1)
}

// InferencePointToPixel converts an inference-space point into top-left
// pixel space of a width×height frame.
func InferencePointToPixel(p Point, width, height int) Point {
	return FlipY(NormalizedPointToPixel(p, width, height), float64(height))
}

// ApproxEqual reports whether two rects match within tol on every component.
func ApproxEqual(a, b Rect, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol &&
		math.Abs(a.Y-b.Y) <= tol &&
		math.Abs(a.Width-b.Width) <= tol &&
		math.Abs(a.Height-b.Height) <= tol
}
