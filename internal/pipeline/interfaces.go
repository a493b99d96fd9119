package pipeline

import (
	"image"

	"github.com/dudu/visioncap/internal/detector"
	"github.com/dudu/visioncap/internal/geometry"
)

// ObjectDetector interface for object detection
type ObjectDetector interface {
	DetectObjects(img image.Image) ([]detector.Object, error)
	Close() error
}

// FaceDetector interface for face detection
type FaceDetector interface {
	DetectFaces(img image.Image) ([]detector.Face, error)
	Close() error
}

// LandmarkDetector interface for 106-point landmark detection.
// faces are inference-space rects.
type LandmarkDetector interface {
	DetectLandmarks(img image.Image, faces []geometry.Rect) ([]detector.FaceLandmarks, error)
	Close() error
}

// Hint carries request context an engine may use.
type Hint struct {
	// KnownFaces are face rects in inference space.
	KnownFaces []geometry.Rect
}

// Engine runs one inference on an image already scaled to the model input.
// The raw output is kind specific and read by the matching Variant.
type Engine interface {
	Infer(img image.Image, hint Hint) (any, error)
	Close() error
}

// Variant supplies the kind-specific parts of a pipeline.
type Variant interface {
	Kind() Kind

	// Open creates the engine. Called once by Pipeline.Start.
	Open() (Engine, error)

	// Decode converts raw engine output into detections in top-left pixel
	// space of a width×height frame.
	Decode(raw any, width, height int) ([]Detection, error)
}
