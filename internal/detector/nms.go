package detector

import "sort"

// nms performs Non-Maximum Suppression. items are sorted by score in place
// and the survivors returned in descending score order.
func nms[T any](items []T, box func(T) BoundingBox, score func(T) float32, iouThreshold float32) []T {
	if len(items) == 0 {
		return items
	}

	// Sort by score (descending)
	sort.SliceStable(items, func(i, j int) bool {
		return score(items[i]) > score(items[j])
	})

	keep := make([]bool, len(items))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(items); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if !keep[j] {
				continue
			}
			if iou(box(items[i]), box(items[j])) > iouThreshold {
				keep[j] = false
			}
		}
	}

	result := make([]T, 0, len(items))
	for i, item := range items {
		if keep[i] {
			result = append(result, item)
		}
	}

	return result
}

// iou calculates Intersection over Union of two bounding boxes
func iou(a, b BoundingBox) float32 {
	// Intersection
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x1 >= x2 || y1 >= y2 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}
