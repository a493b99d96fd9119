package detector

import (
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/visioncap/internal/geometry"
	"github.com/dudu/visioncap/internal/inference"
)

// Region names a group of points in the 106-point layout.
type Region string

const (
	RegionFaceContour  Region = "faceContour"
	RegionRightEye     Region = "rightEye"
	RegionRightEyebrow Region = "rightEyebrow"
	RegionLips         Region = "lips"
	RegionNose         Region = "nose"
	RegionLeftEye      Region = "leftEye"
	RegionLeftEyebrow  Region = "leftEyebrow"
)

// Index ranges [start, end) of each region, based on insightface's 106-point layout.
var regionRanges = []struct {
	region     Region
	start, end int
}{
	{RegionFaceContour, 0, 33},
	{RegionRightEye, 33, 43},
	{RegionRightEyebrow, 43, 52},
	{RegionLips, 52, 72},
	{RegionNose, 72, 87},
	{RegionLeftEye, 87, 97},
	{RegionLeftEyebrow, 97, 106},
}

// Regions returns every region name in layout order.
func Regions() []Region {
	out := make([]Region, len(regionRanges))
	for i, r := range regionRanges {
		out[i] = r.region
	}
	return out
}

// Landmarks106 represents 106 facial landmarks
type Landmarks106 [106]Point

// Region returns the points of one region.
func (l *Landmarks106) Region(r Region) []Point {
	for _, rr := range regionRanges {
		if rr.region == r {
			pts := make([]Point, rr.end-rr.start)
			copy(pts, l[rr.start:rr.end])
			return pts
		}
	}
	return nil
}

// Landmark106Config configures the landmark detector.
type Landmark106Config struct {
	Model string
	// Expand is the crop size relative to the larger face side.
	Expand float32
}

// Landmark106 detects 106 facial landmarks using insightface's 2d106det model
type Landmark106 struct {
	session   *inference.Session
	inputSize int
	inputMean float32
	inputStd  float32
	expand    float32

	// faces locates faces when the caller supplies none. Optional.
	faces FaceDetector
}

// FaceDetector finds faces in an image. *SCRFD implements it.
type FaceDetector interface {
	DetectFaces(img image.Image) ([]Face, error)
}

// NewLandmark106 creates a new 106-point landmark detector. faces may be nil,
// in which case DetectLandmarks without known faces returns nothing.
func NewLandmark106(loader *inference.Loader, cfg Landmark106Config, faces FaceDetector) (*Landmark106, error) {
	inputNames := []string{"data"}
	outputNames := []string{"fc1"}

	session, err := loader.Open(cfg.Model, inputNames, outputNames)
	if err != nil {
		return nil, fmt.Errorf("failed to create landmark session: %w", err)
	}

	expand := cfg.Expand
	if expand <= 0 {
		expand = 1.5
	}
	return &Landmark106{
		session:   session,
		inputSize: 192,
		inputMean: 127.5,
		inputStd:  128.0,
		expand:    expand,
		faces:     faces,
	}, nil
}

// DetectLandmarks extracts landmarks for each face. faces are rects in
// inference space; results are in inference space too.
func (l *Landmark106) DetectLandmarks(img image.Image, faces []geometry.Rect) ([]FaceLandmarks, error) {
	faces, confidences, err := l.knownFaces(img, faces)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, nil
	}

	// BGR, despite the name
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	w, h := mat.Cols(), mat.Rows()
	results := make([]FaceLandmarks, 0, len(faces))
	for i, face := range faces {
		box := boxFromRect(geometry.InferenceRectToPixel(face, w, h))
		if box.Width() <= 0 || box.Height() <= 0 {
			continue
		}

		landmarks, err := l.detect(mat, box)
		if err != nil {
			return nil, err
		}

		fl := FaceLandmarks{
			Box:        face,
			Regions:    make(map[Region][]geometry.Point, len(regionRanges)),
			Confidence: 1,
		}
		if i < len(confidences) {
			fl.Confidence = confidences[i]
		}
		for _, rr := range regionRanges {
			pts := make([]geometry.Point, 0, rr.end-rr.start)
			for _, p := range landmarks[rr.start:rr.end] {
				pts = append(pts, p.Normalize(w, h))
			}
			fl.Regions[rr.region] = pts
		}
		fl.LeftPupil = centroid(fl.Regions[RegionLeftEye])
		fl.RightPupil = centroid(fl.Regions[RegionRightEye])
		results = append(results, fl)
	}
	return results, nil
}

// knownFaces returns faces unchanged when given, otherwise asks the embedded
// face detector. Confidences are only set for detected faces.
func (l *Landmark106) knownFaces(img image.Image, faces []geometry.Rect) ([]geometry.Rect, []float32, error) {
	if len(faces) > 0 || l.faces == nil {
		return faces, nil, nil
	}
	found, err := l.faces.DetectFaces(img)
	if err != nil {
		return nil, nil, fmt.Errorf("face detection failed: %w", err)
	}
	var confidences []float32
	for _, f := range found {
		faces = append(faces, f.Box)
		confidences = append(confidences, f.Confidence)
	}
	return faces, confidences, nil
}

// detect runs the model on one face crop of a BGR mat
func (l *Landmark106) detect(img gocv.Mat, bbox BoundingBox) (Landmarks106, error) {
	var landmarks Landmarks106

	// Calculate crop parameters
	center := bbox.Center()
	maxDim := max(bbox.Width(), bbox.Height())
	scale := float32(l.inputSize) / (maxDim * l.expand)

	// Warp image to get aligned face
	M := l.getTransformMatrix(center.X, center.Y, scale)
	aligned := gocv.NewMat()
	defer aligned.Close()
	gocv.WarpAffine(img, &aligned, M, image.Pt(l.inputSize, l.inputSize))
	M.Close()

	blob := normalizedBlob(aligned, l.inputSize, float64(l.inputMean), float64(l.inputStd))
	defer blob.Close()

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, int64(l.inputSize), int64(l.inputSize)),
		bytesToFloat32(blob.ToBytes()),
	)
	if err != nil {
		return landmarks, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// (1, 212) = 106 landmarks * 2 coords
	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 212})
	if err != nil {
		return landmarks, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := l.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return landmarks, fmt.Errorf("landmark inference failed: %w", err)
	}

	return l.postprocess(outputTensor.GetData(), center.X, center.Y, scale), nil
}

// getTransformMatrix creates affine transform for face crop
func (l *Landmark106) getTransformMatrix(centerX, centerY, scale float32) gocv.Mat {
	// No rotation, just scale and translate
	M := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)

	M.SetDoubleAt(0, 0, float64(scale))
	M.SetDoubleAt(0, 1, 0)
	M.SetDoubleAt(0, 2, float64(l.inputSize)/2-float64(centerX*scale))
	M.SetDoubleAt(1, 0, 0)
	M.SetDoubleAt(1, 1, float64(scale))
	M.SetDoubleAt(1, 2, float64(l.inputSize)/2-float64(centerY*scale))

	return M
}

// postprocess transforms landmarks from model output to original image coordinates
func (l *Landmark106) postprocess(output []float32, centerX, centerY, scale float32) Landmarks106 {
	var landmarks Landmarks106

	halfSize := float32(l.inputSize) / 2
	for i := range landmarks {
		if i*2+1 >= len(output) {
			break
		}
		// Model output is in [-1, 1] around the crop center
		landmarks[i] = Point{
			X: output[i*2]*halfSize/scale + centerX,
			Y: output[i*2+1]*halfSize/scale + centerY,
		}
	}

	return landmarks
}

// Close releases detector resources
func (l *Landmark106) Close() error {
	return l.session.Destroy()
}

func centroid(pts []geometry.Point) geometry.Point {
	if len(pts) == 0 {
		return geometry.Point{}
	}
	var c geometry.Point
	for _, p := range pts {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(pts))
	return geometry.Point{X: c.X / n, Y: c.Y / n}
}
