package ui

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudu/visioncap/internal/geometry"
	"github.com/dudu/visioncap/internal/pipeline"
)

func TestBuildOverlayScalesToDisplay(t *testing.T) {
	snap := map[pipeline.Kind]pipeline.ResultBatch{
		pipeline.KindObject: {
			Kind: pipeline.KindObject, Width: 1280, Height: 720,
			Detections: []pipeline.Detection{{
				Box:    geometry.Rect{X: 100, Y: 200, Width: 300, Height: 100},
				Labels: []pipeline.Label{{Name: "cup", Confidence: 0.95}},
			}},
		},
		pipeline.KindFace: {
			Kind: pipeline.KindFace, Width: 1280, Height: 720,
			Detections: []pipeline.Detection{{
				Box: geometry.Rect{X: 640, Y: 360, Width: 200, Height: 200},
				Face: &pipeline.FaceInfo{
					Confidence: 0.9,
					Keypoints:  []geometry.Point{{X: 700, Y: 420}},
				},
			}},
		},
	}

	shapes := buildOverlay(snap, image.Pt(640, 360))
	require.Len(t, shapes, 2)

	// sorted by kind: face before object
	face, object := shapes[0], shapes[1]
	assert.Equal(t, pipeline.KindFace, face.kind)
	assert.Equal(t, image.Rect(320, 180, 420, 280), face.box)
	assert.Equal(t, []image.Point{{X: 350, Y: 210}}, face.points)
	assert.Contains(t, face.label, "face 0.90")

	assert.Equal(t, image.Rect(50, 100, 200, 150), object.box)
	assert.Equal(t, "cup 0.95", object.label)
	assert.Equal(t, kindColors[pipeline.KindObject], object.color)
}

func TestBuildOverlayLandmarks(t *testing.T) {
	snap := map[pipeline.Kind]pipeline.ResultBatch{
		pipeline.KindLandmark: {
			Width: 100, Height: 100,
			Detections: []pipeline.Detection{{
				Landmarks: &pipeline.LandmarkInfo{
					Groups: map[string][]geometry.Point{
						"nose": {{X: 50, Y: 50}},
						"lips": {{X: 50, Y: 70}, {X: 55, Y: 70}},
					},
					LeftPupil:  geometry.Point{X: 40, Y: 40},
					RightPupil: geometry.Point{X: 60, Y: 40},
				},
			}},
		},
	}

	shapes := buildOverlay(snap, image.Pt(100, 100))
	require.Len(t, shapes, 1)
	s := shapes[0]
	assert.True(t, s.box.Empty())
	assert.Equal(t, []image.Point{
		{X: 50, Y: 70}, {X: 55, Y: 70}, // lips
		{X: 50, Y: 50}, // nose
		{X: 40, Y: 40}, {X: 60, Y: 40},
	}, s.points)
}

func TestBuildOverlaySkipsUnsizedBatches(t *testing.T) {
	snap := map[pipeline.Kind]pipeline.ResultBatch{
		pipeline.KindHuman: {Detections: []pipeline.Detection{{Box: geometry.Rect{Width: 1, Height: 1}}}},
	}
	assert.Empty(t, buildOverlay(snap, image.Pt(100, 100)))
}
