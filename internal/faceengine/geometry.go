package faceengine

import "sort"

// IoU computes Intersection over Union of two boxes.
// Returns a value between 0 (no overlap) and 1 (identical boxes).
func IoU(a, b BBox) float64 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// LargestFace returns the index of the detection with the largest box area.
// Ties go to the earlier detection. ok is false for an empty slice.
func LargestFace(faces []FaceDetection) (idx int, ok bool) {
	if len(faces) == 0 {
		return 0, false
	}
	best := 0
	for i := 1; i < len(faces); i++ {
		if faces[i].BBox.Area() > faces[best].BBox.Area() {
			best = i
		}
	}
	return best, true
}

// SuppressOverlaps performs greedy non-maximum suppression: detections are
// visited by descending score and dropped when they overlap an already kept
// detection by more than iouThreshold.
func SuppressOverlaps(faces []FaceDetection, iouThreshold float64) []FaceDetection {
	sorted := make([]FaceDetection, len(faces))
	copy(sorted, faces)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DetScore > sorted[j].DetScore
	})

	kept := make([]FaceDetection, 0, len(sorted))
	for _, cand := range sorted {
		overlaps := false
		for _, k := range kept {
			if IoU(cand.BBox, k.BBox) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}
	return kept
}
