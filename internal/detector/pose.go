package detector

import (
	"math"

	"github.com/dudu/visioncap/internal/geometry"
)

// EstimatePose approximates face orientation from five keypoints given in a
// top-left pixel space with square pixels.
//
// Roll is the eye-line angle. Yaw and pitch come from the nose offset
// against the eye midpoint and the eye–mouth midline, scaled by the eye
// distance; they are coarse and meant for overlay, not measurement.
func EstimatePose(kps [5]geometry.Point) (roll, yaw, pitch float64) {
	leftEye, rightEye, nose := kps[0], kps[1], kps[2]
	leftMouth, rightMouth := kps[3], kps[4]

	dx := rightEye.X - leftEye.X
	dy := rightEye.Y - leftEye.Y
	eyeDist := math.Hypot(dx, dy)
	if eyeDist == 0 {
		return 0, 0, 0
	}
	roll = math.Atan2(dy, dx)

	// De-rotate around the eye midpoint so yaw/pitch are roll independent.
	mid := geometry.Point{X: (leftEye.X + rightEye.X) / 2, Y: (leftEye.Y + rightEye.Y) / 2}
	mouth := geometry.Point{X: (leftMouth.X + rightMouth.X) / 2, Y: (leftMouth.Y + rightMouth.Y) / 2}
	n := rotate(nose, mid, -roll)
	m := rotate(mouth, mid, -roll)

	yaw = math.Atan2(n.X-mid.X, eyeDist)

	// A frontal nose sits roughly halfway between the eye line and the mouth.
	expected := mid.Y + (m.Y-mid.Y)/2
	pitch = math.Atan2(n.Y-expected, eyeDist)
	return roll, yaw, pitch
}

func rotate(p, origin geometry.Point, angle float64) geometry.Point {
	s, c := math.Sincos(angle)
	x, y := p.X-origin.X, p.Y-origin.Y
	return geometry.Point{
		X: origin.X + x*c - y*s,
		Y: origin.Y + x*s + y*c,
	}
}
