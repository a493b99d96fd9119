package pipeline

import (
	"fmt"
	"image"

	"github.com/dudu/visioncap/internal/detector"
	"github.com/dudu/visioncap/internal/geometry"
)

// ObjectVariant detects labelled objects.
type ObjectVariant struct {
	New func() (ObjectDetector, error)
}

func (ObjectVariant) Kind() Kind { return KindObject }

func (v ObjectVariant) Open() (Engine, error) {
	det, err := v.New()
	if err != nil {
		return nil, err
	}
	return objectEngine{det}, nil
}

func (ObjectVariant) Decode(raw any, width, height int) ([]Detection, error) {
	objects, ok := raw.([]detector.Object)
	if !ok {
		return nil, fmt.Errorf("object: unexpected output %T", raw)
	}
	return decodeObjects(objects, width, height, nil), nil
}

// HumanVariant detects people as rectangles. It shares the object model and
// keeps only the person class.
type HumanVariant struct {
	New func() (ObjectDetector, error)
}

// HumanLabel is the object class reported by the human pipeline.
const HumanLabel = "person"

func (HumanVariant) Kind() Kind { return KindHuman }

func (v HumanVariant) Open() (Engine, error) {
	det, err := v.New()
	if err != nil {
		return nil, err
	}
	return objectEngine{det}, nil
}

func (HumanVariant) Decode(raw any, width, height int) ([]Detection, error) {
	objects, ok := raw.([]detector.Object)
	if !ok {
		return nil, fmt.Errorf("human: unexpected output %T", raw)
	}
	return decodeObjects(objects, width, height, func(l detector.Label) bool {
		return l.Name == HumanLabel
	}), nil
}

func decodeObjects(objects []detector.Object, width, height int, keep func(detector.Label) bool) []Detection {
	out := make([]Detection, 0, len(objects))
	for _, o := range objects {
		var labels []Label
		for _, l := range o.Labels {
			if keep != nil && !keep(l) {
				continue
			}
			labels = append(labels, Label{Name: l.Name, Confidence: l.Confidence})
		}
		if keep != nil && len(labels) == 0 {
			continue
		}
		out = append(out, Detection{
			ID:     len(out),
			Box:    geometry.InferenceRectToPixel(o.Box, width, height),
			Labels: labels,
		})
	}
	return out
}

// FaceVariant detects face rectangles with orientation.
type FaceVariant struct {
	New func() (FaceDetector, error)
}

func (FaceVariant) Kind() Kind { return KindFace }

func (v FaceVariant) Open() (Engine, error) {
	det, err := v.New()
	if err != nil {
		return nil, err
	}
	return faceEngine{det}, nil
}

func (FaceVariant) Decode(raw any, width, height int) ([]Detection, error) {
	faces, ok := raw.([]detector.Face)
	if !ok {
		return nil, fmt.Errorf("face: unexpected output %T", raw)
	}

	out := make([]Detection, 0, len(faces))
	for i, f := range faces {
		var kps [5]geometry.Point
		for j, p := range f.Keypoints {
			kps[j] = geometry.InferencePointToPixel(p, width, height)
		}
		info := &FaceInfo{
			Roll:       f.Roll,
			Yaw:        f.Yaw,
			Pitch:      f.Pitch,
			Confidence: f.Confidence,
			Keypoints:  kps[:],
		}
		if !f.HasPose {
			info.Roll, info.Yaw, info.Pitch = detector.EstimatePose(kps)
		}
		out = append(out, Detection{
			ID:   i,
			Box:  geometry.InferenceRectToPixel(f.Box, width, height),
			Face: info,
		})
	}
	return out, nil
}

// LandmarkVariant detects facial landmark groups for known faces.
type LandmarkVariant struct {
	New func() (LandmarkDetector, error)
}

func (LandmarkVariant) Kind() Kind { return KindLandmark }

func (v LandmarkVariant) Open() (Engine, error) {
	det, err := v.New()
	if err != nil {
		return nil, err
	}
	return landmarkEngine{det}, nil
}

func (LandmarkVariant) Decode(raw any, width, height int) ([]Detection, error) {
	marks, ok := raw.([]detector.FaceLandmarks)
	if !ok {
		return nil, fmt.Errorf("landmark: unexpected output %T", raw)
	}

	toPixel := func(p geometry.Point) geometry.Point {
		return geometry.InferencePointToPixel(p, width, height)
	}
	out := make([]Detection, 0, len(marks))
	for i, m := range marks {
		groups := make(map[string][]geometry.Point, len(m.Regions))
		for region, pts := range m.Regions {
			px := make([]geometry.Point, len(pts))
			for j, p := range pts {
				px[j] = toPixel(p)
			}
			groups[string(region)] = px
		}
		out = append(out, Detection{
			ID:  i,
			Box: geometry.InferenceRectToPixel(m.Box, width, height),
			Landmarks: &LandmarkInfo{
				Groups:     groups,
				LeftPupil:  toPixel(m.LeftPupil),
				RightPupil: toPixel(m.RightPupil),
				Confidence: m.Confidence,
			},
		})
	}
	return out, nil
}

type objectEngine struct{ det ObjectDetector }

func (e objectEngine) Infer(img image.Image, _ Hint) (any, error) { return e.det.DetectObjects(img) }
func (e objectEngine) Close() error                               { return e.det.Close() }

type faceEngine struct{ det FaceDetector }

func (e faceEngine) Infer(img image.Image, _ Hint) (any, error) { return e.det.DetectFaces(img) }
func (e faceEngine) Close() error                               { return e.det.Close() }

type landmarkEngine struct{ det LandmarkDetector }

func (e landmarkEngine) Infer(img image.Image, hint Hint) (any, error) {
	return e.det.DetectLandmarks(img, hint.KnownFaces)
}
func (e landmarkEngine) Close() error { return e.det.Close() }
