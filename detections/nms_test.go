package detections

import (
	"math"
	"testing"

	"github.com/Tutortoise/detection-service/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(x, y, w, h float32) models.BBox {
	return models.BBox{X: x, Y: y, Width: w, Height: h}
}

func TestIoU(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name string
		a, b models.BBox
		want float32
	}{
		{"identical", box(1, 2, 10, 20), box(1, 2, 10, 20), 1},
		{"disjoint", box(0, 0, 10, 10), box(20, 20, 5, 5), 0},
		{"touching edges", box(0, 0, 10, 10), box(10, 0, 10, 10), 0},
		{"half shifted", box(0, 0, 10, 10), box(5, 0, 10, 10), 1.0 / 3.0},
		{"contained", box(0, 0, 10, 10), box(0, 0, 5, 10), 0.5},
		{"zero width", box(0, 0, 0, 10), box(0, 0, 10, 10), 0},
		{"zero area self", box(3, 3, 0, 0), box(3, 3, 0, 0), 0},
		{"negative size", box(0, 0, -5, 10), box(-5, 0, 10, 10), 0},
		{"nan", box(nan, 0, 10, 10), box(0, 0, 10, 10), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-6)
		})
	}
}

func TestIoUSymmetricAndBounded(t *testing.T) {
	boxes := []models.BBox{
		box(0, 0, 10, 10),
		box(5, 5, 10, 10),
		box(2.5, 0, 10, 10),
		box(100, 100, 1, 1),
		box(-3, -3, 4, 4),
		box(0, 0, 0, 0),
		box(1, 1, 1e6, 1e-3),
	}
	for _, a := range boxes {
		for _, b := range boxes {
			ab, ba := IoU(a, b), IoU(b, a)
			assert.Equal(t, ab, ba, "IoU(%v, %v)", a, b)
			assert.GreaterOrEqual(t, ab, float32(0))
			assert.LessOrEqual(t, ab, float32(1))
		}
		if a.Area() > 0 {
			assert.Equal(t, float32(1), IoU(a, a))
		}
	}
}

func TestNonMaxSuppressionDedup(t *testing.T) {
	// IoU of these two boxes is 0.6.
	dets := []models.Detection{
		{ClassID: 1, ClassName: "b", Confidence: 0.8, BBox: box(2.5, 0, 10, 10)},
		{ClassID: 0, ClassName: "a", Confidence: 0.9, BBox: box(0, 0, 10, 10)},
	}
	require.InDelta(t, 0.6, IoU(dets[0].BBox, dets[1].BBox), 1e-6)

	kept := NonMaxSuppression(dets, DefaultIoUThreshold)
	require.Len(t, kept, 1)
	assert.Equal(t, float32(0.9), kept[0].Confidence)
	assert.Equal(t, "a", kept[0].ClassName)
}

func TestNonMaxSuppressionKeepsBelowThreshold(t *testing.T) {
	dets := []models.Detection{
		{Confidence: 0.9, BBox: box(0, 0, 10, 10)},
		{Confidence: 0.8, BBox: box(5, 0, 10, 10)}, // IoU 1/3
	}
	kept := NonMaxSuppression(dets, 0.4)
	assert.Len(t, kept, 2)
}

func TestNonMaxSuppressionIdempotent(t *testing.T) {
	dets := []models.Detection{
		{Confidence: 0.5, BBox: box(0, 0, 10, 10)},
		{Confidence: 0.7, BBox: box(1, 1, 10, 10)},
		{Confidence: 0.6, BBox: box(30, 30, 10, 10)},
		{Confidence: 0.9, BBox: box(31, 29, 10, 10)},
		{Confidence: 0.6, BBox: box(60, 0, 5, 5)},
		{Confidence: 0.6, BBox: box(0, 60, 5, 5)},
	}

	once := NonMaxSuppression(dets, 0.4)
	twice := NonMaxSuppression(once, 0.4)
	assert.Equal(t, once, twice)
	assert.Len(t, once, 4)
}

func TestNonMaxSuppressionStableTies(t *testing.T) {
	dets := []models.Detection{
		{ClassName: "first", Confidence: 0.6, BBox: box(0, 0, 5, 5)},
		{ClassName: "second", Confidence: 0.6, BBox: box(50, 0, 5, 5)},
		{ClassName: "third", Confidence: 0.6, BBox: box(0, 50, 5, 5)},
	}
	kept := NonMaxSuppression(dets, 0.4)
	require.Len(t, kept, 3)
	assert.Equal(t, "first", kept[0].ClassName)
	assert.Equal(t, "second", kept[1].ClassName)
	assert.Equal(t, "third", kept[2].ClassName)
}

func TestNonMaxSuppressionEmpty(t *testing.T) {
	kept := NonMaxSuppression(nil, 0.4)
	assert.NotNil(t, kept)
	assert.Empty(t, kept)
}

func TestNonMaxSuppressionDoesNotModifyInput(t *testing.T) {
	dets := []models.Detection{
		{Confidence: 0.1, BBox: box(0, 0, 1, 1)},
		{Confidence: 0.9, BBox: box(0, 0, 1, 1)},
	}
	_ = NonMaxSuppression(dets, 0.4)
	assert.Equal(t, float32(0.1), dets[0].Confidence)
}
