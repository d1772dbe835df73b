package detections

import (
	"sort"

	"github.com/Tutortoise/detection-service/models"
)

// IoU returns intersection over union of two boxes, 0 when they do not overlap
// or the union is empty.
func IoU(a, b models.BBox) float32 {
	if a == b {
		if a.Area() > 0 {
			return 1
		}
		return 0
	}

	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.Width, b.X+b.Width)
	y2 := min(a.Y+a.Height, b.Y+b.Height)

	iw := x2 - x1
	ih := y2 - y1
	if !(iw > 0 && ih > 0) {
		return 0
	}

	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if !(union > 0) {
		return 0
	}

	iou := inter / union
	if iou > 1 {
		return 1
	}
	return iou
}

// NonMaxSuppression keeps the most confident box of every group whose pairwise
// IoU exceeds iouThreshold, across all classes. Equal confidences keep their
// input order. The input slice is not modified.
func NonMaxSuppression(dets []models.Detection, iouThreshold float32) []models.Detection {
	if len(dets) == 0 {
		return []models.Detection{}
	}

	sorted := make([]models.Detection, len(dets))
	copy(sorted, dets)
	sortByConfidence(sorted)

	suppressed := make([]bool, len(sorted))
	kept := make([]models.Detection, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && IoU(sorted[i].BBox, sorted[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func sortByConfidence(dets []models.Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
}
