package ui

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/dudu/visioncap/internal/geometry"
	"github.com/dudu/visioncap/internal/pipeline"
)

var kindColors = map[pipeline.Kind]color.RGBA{
	pipeline.KindObject:   {R: 255, G: 200, B: 0, A: 255},
	pipeline.KindFace:     {R: 0, G: 255, B: 0, A: 255},
	pipeline.KindLandmark: {R: 0, G: 200, B: 255, A: 255},
	pipeline.KindHuman:    {R: 255, G: 0, B: 255, A: 255},
}

// shape is one thing to draw: an optional box with a caption and a set of
// points.
type shape struct {
	kind   pipeline.Kind
	box    image.Rectangle
	label  string
	points []image.Point
	color  color.RGBA
}

// buildOverlay maps every batch in snap onto a display of the given size.
// Batches are in their own frame's pixel space, so each is rescaled by its
// recorded Width and Height.
func buildOverlay(snap map[pipeline.Kind]pipeline.ResultBatch, display image.Point) []shape {
	kinds := make([]pipeline.Kind, 0, len(snap))
	for k := range snap {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var shapes []shape
	for _, kind := range kinds {
		b := snap[kind]
		if b.Width <= 0 || b.Height <= 0 {
			continue
		}
		sx := float64(display.X) / float64(b.Width)
		sy := float64(display.Y) / float64(b.Height)

		for _, d := range b.Detections {
			s := shape{kind: kind, color: kindColors[kind]}
			switch kind {
			case pipeline.KindObject, pipeline.KindHuman:
				s.box = scaleRect(d.Box, sx, sy)
				if len(d.Labels) > 0 {
					s.label = fmt.Sprintf("%s %.2f", d.Labels[0].Name, d.Labels[0].Confidence)
				}
			case pipeline.KindFace:
				s.box = scaleRect(d.Box, sx, sy)
				if d.Face != nil {
					s.label = fmt.Sprintf("face %.2f r:%.0f y:%.0f p:%.0f",
						d.Face.Confidence, d.Face.Roll, d.Face.Yaw, d.Face.Pitch)
					s.points = scalePoints(d.Face.Keypoints, sx, sy)
				}
			case pipeline.KindLandmark:
				if d.Landmarks != nil {
					groups := make([]string, 0, len(d.Landmarks.Groups))
					for g := range d.Landmarks.Groups {
						groups = append(groups, g)
					}
					sort.Strings(groups)
					for _, g := range groups {
						s.points = append(s.points, scalePoints(d.Landmarks.Groups[g], sx, sy)...)
					}
					s.points = append(s.points,
						scalePoint(d.Landmarks.LeftPupil, sx, sy),
						scalePoint(d.Landmarks.RightPupil, sx, sy))
				}
			}
			shapes = append(shapes, s)
		}
	}
	return shapes
}

func scaleRect(r geometry.Rect, sx, sy float64) image.Rectangle {
	r = r.Canon()
	return image.Rect(
		int(r.X*sx+0.5), int(r.Y*sy+0.5),
		int(r.MaxX()*sx+0.5), int(r.MaxY()*sy+0.5),
	)
}

func scalePoint(p geometry.Point, sx, sy float64) image.Point {
	return image.Pt(int(p.X*sx+0.5), int(p.Y*sy+0.5))
}

func scalePoints(ps []geometry.Point, sx, sy float64) []image.Point {
	if len(ps) == 0 {
		return nil
	}
	out := make([]image.Point, len(ps))
	for i, p := range ps {
		out[i] = scalePoint(p, sx, sy)
	}
	return out
}
