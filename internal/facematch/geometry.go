package facematch

// ComputeIoU calculates Intersection over Union between two face boxes.
// Boxes are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(a, b []float64) float64 {
	if len(a) != 4 || len(b) != 4 {
		return 0
	}

	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// RelativeBox converts a pixel box to 0-1 coordinates of an image of the given size.
// Invalid input is returned unchanged.
func RelativeBox(box []float64, width, height int) []float64 {
	if len(box) != 4 || width <= 0 || height <= 0 {
		return box
	}
	return []float64{
		box[0] / float64(width),
		box[1] / float64(height),
		box[2] / float64(width),
		box[3] / float64(height),
	}
}

// DistinctBoxes returns the indexes of boxes that do not overlap an earlier kept box by
// more than threshold IoU. Detectors sometimes report one face twice at slightly
// different scales; the first report wins. Boxes without coordinates are always kept.
func DistinctBoxes(boxes [][]float64, threshold float64) []int {
	kept := make([]int, 0, len(boxes))
	for i, box := range boxes {
		duplicate := false
		for _, k := range kept {
			if ComputeIoU(box, boxes[k]) > threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, i)
		}
	}
	return kept
}
