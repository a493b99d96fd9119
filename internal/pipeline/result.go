package pipeline

import (
	"time"

	"github.com/dudu/visioncap/internal/frame"
	"github.com/dudu/visioncap/internal/geometry"
)

// Kind identifies an inference pipeline.
type Kind string

const (
	KindObject   Kind = "object"
	KindFace     Kind = "face"
	KindLandmark Kind = "landmark"
	KindHuman    Kind = "human"
)

// Kinds lists every pipeline kind.
var Kinds = []Kind{KindObject, KindFace, KindLandmark, KindHuman}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Label is one classification of a detection.
type Label struct {
	Name       string  `json:"name"`
	Confidence float32 `json:"confidence"`
}

// FaceInfo is the face payload of a detection.
type FaceInfo struct {
	Roll       float64          `json:"roll"`
	Yaw        float64          `json:"yaw"`
	Pitch      float64          `json:"pitch"`
	Confidence float32          `json:"confidence"`
	Keypoints  []geometry.Point `json:"keypoints,omitempty"`
}

// LandmarkInfo is the landmark payload of a detection.
type LandmarkInfo struct {
	Groups     map[string][]geometry.Point `json:"groups"`
	LeftPupil  geometry.Point              `json:"leftPupil"`
	RightPupil geometry.Point              `json:"rightPupil"`
	Confidence float32                     `json:"confidence"`
}

// Detection is one result in top-left pixel space of the source frame.
// Exactly one payload is set, depending on the batch kind: Labels for
// object and human, Face for face, Landmarks for landmark.
type Detection struct {
	ID        int           `json:"id"`
	Box       geometry.Rect `json:"box"`
	Labels    []Label       `json:"labels,omitempty"`
	Face      *FaceInfo     `json:"face,omitempty"`
	Landmarks *LandmarkInfo `json:"landmarks,omitempty"`
}

// ResultBatch is everything one pipeline found in one frame.
type ResultBatch struct {
	Kind        Kind        `json:"kind"`
	FrameSeq    uint64      `json:"frameSeq"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Detections  []Detection `json:"detections"`
	CompletedAt time.Time   `json:"completedAt"`

	// Frame is the source frame, kept for chaining.
	Frame *frame.Frame `json:"-"`
}

// Empty reports whether the batch has no detections.
func (b ResultBatch) Empty() bool {
	return len(b.Detections) == 0
}

// Clone returns a copy that shares no slices or maps with b.
func (b ResultBatch) Clone() ResultBatch {
	out := b
	if b.Detections != nil {
		out.Detections = make([]Detection, len(b.Detections))
		for i, d := range b.Detections {
			out.Detections[i] = d.clone()
		}
	}
	return out
}

func (d Detection) clone() Detection {
	out := d
	if d.Labels != nil {
		out.Labels = append([]Label(nil), d.Labels...)
	}
	if d.Face != nil {
		f := *d.Face
		f.Keypoints = append([]geometry.Point(nil), d.Face.Keypoints...)
		out.Face = &f
	}
	if d.Landmarks != nil {
		l := *d.Landmarks
		l.Groups = make(map[string][]geometry.Point, len(d.Landmarks.Groups))
		for k, pts := range d.Landmarks.Groups {
			l.Groups[k] = append([]geometry.Point(nil), pts...)
		}
		out.Landmarks = &l
	}
	return out
}
