package facematch

import (
	"fmt"
	"math"

	"github.com/kozaktomas/face-engine/internal/database"
)

// ComputeIoU calculates Intersection over Union between two relative boxes.
func ComputeIoU(a, b database.BBox) float64 {
	// Calculate intersection.
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.W*a.H + b.W*b.H - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// ValidateBBox checks that a box has positive size and lies within [0, 1].
func ValidateBBox(b database.BBox) error {
	for _, v := range []float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &database.ValidationError{Field: "bbox", Reason: "non-finite coordinate"}
		}
	}
	if b.W <= 0 || b.H <= 0 {
		return &database.ValidationError{Field: "bbox", Reason: fmt.Sprintf("non-positive size %gx%g", b.W, b.H)}
	}
	const eps = 1e-6
	if b.X < -eps || b.Y < -eps || b.X+b.W > 1+eps || b.Y+b.H > 1+eps {
		return &database.ValidationError{Field: "bbox", Reason: fmt.Sprintf("box %+v outside [0,1]", b)}
	}
	return nil
}

// PixelToRelative converts a pixel box [x1, y1, x2, y2] to relative coordinates.
func PixelToRelative(x1, y1, x2, y2 float64, width, height int) database.BBox {
	if width <= 0 || height <= 0 {
		return database.BBox{}
	}
	w, h := float64(width), float64(height)
	return database.BBox{X: x1 / w, Y: y1 / h, W: (x2 - x1) / w, H: (y2 - y1) / h}
}

// OverlapsAny returns the index of the first box in others overlapping b by at
// least threshold IoU, or -1.
func OverlapsAny(b database.BBox, others []database.BBox, threshold float64) int {
	for i, o := range others {
		if ComputeIoU(b, o) >= threshold {
			return i
		}
	}
	return -1
}
