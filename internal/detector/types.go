package detector

import (
	"github.com/dudu/visioncap/internal/geometry"
)

// Point represents a 2D point in model-input pixels
type Point struct {
	X, Y float32
}

// Normalize maps p from a w×h top-left pixel grid into inference space
// (unit square, bottom-left origin).
func (p Point) Normalize(w, h int) geometry.Point {
	return geometry.Point{
		X: float64(p.X) / float64(w),
		Y: 1 - float64(p.Y)/float64(h),
	}
}

// BoundingBox represents a box in model-input pixels
type BoundingBox struct {
	X1, Y1 float32 // top-left
	X2, Y2 float32 // bottom-right
}

// Width returns box width
func (b BoundingBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns box height
func (b BoundingBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Center returns box center point
func (b BoundingBox) Center() Point {
	return Point{
		X: (b.X1 + b.X2) / 2,
		Y: (b.Y1 + b.Y2) / 2,
	}
}

// Area returns box area
func (b BoundingBox) Area() float32 {
	return b.Width() * b.Height()
}

// Normalize maps b from a w×h top-left pixel grid into inference space.
func (b BoundingBox) Normalize(w, h int) geometry.Rect {
	r := geometry.Rect{
		X:      float64(b.X1),
		Y:      float64(b.Y1),
		Width:  float64(b.Width()),
		Height: float64(b.Height()),
	}
	return geometry.PixelRectToInference(r, w, h)
}

// boxFromRect converts a top-left pixel rect into a BoundingBox.
func boxFromRect(r geometry.Rect) BoundingBox {
	r = r.Canon()
	return BoundingBox{
		X1: float32(r.X),
		Y1: float32(r.Y),
		X2: float32(r.MaxX()),
		Y2: float32(r.MaxY()),
	}
}

// Landmarks represents 5 facial keypoints
type Landmarks struct {
	LeftEye    Point // index 0
	RightEye   Point // index 1
	Nose       Point // index 2
	LeftMouth  Point // index 3
	RightMouth Point // index 4
}

// Points returns the keypoints in model order.
func (l Landmarks) Points() [5]Point {
	return [5]Point{l.LeftEye, l.RightEye, l.Nose, l.LeftMouth, l.RightMouth}
}

// Label is one classification of a detected object.
type Label struct {
	Name       string
	Confidence float32
}

// Object is an object-detector observation. Box is in inference space.
type Object struct {
	Box    geometry.Rect
	Labels []Label // sorted by confidence, highest first
}

// Face is a face-detector observation. Box and Keypoints are in inference
// space.
type Face struct {
	Box        geometry.Rect
	Keypoints  [5]geometry.Point // left eye, right eye, nose, left mouth, right mouth
	Confidence float32

	// HasPose is set by engines that report orientation directly. Otherwise
	// orientation is estimated from Keypoints (see EstimatePose).
	HasPose          bool
	Roll, Yaw, Pitch float64 // radians
}

// FaceLandmarks is a landmark-detector observation for one face. All
// coordinates are in inference space.
type FaceLandmarks struct {
	Box        geometry.Rect
	Regions    map[Region][]geometry.Point
	LeftPupil  geometry.Point
	RightPupil geometry.Point
	Confidence float32
}
