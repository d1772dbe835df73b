package detections

import (
	"encoding/json"
	"image"
	"math"
	"testing"

	"github.com/Tutortoise/detection-service/models"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anomalyStore() *ConfigStore {
	s := NewConfigStore(DefaultThreshold)
	s.LoadCatalog(DefaultCatalog, DefaultThresholds)
	return s
}

func stretchGeometry(w, h int) Geometry {
	return fitGeometry(image.Pt(w, h), image.Pt(640, 640), ResizeStretch)
}

func TestPostProcessAnomalyCatalog(t *testing.T) {
	raw := rawOutput(2,
		anchor{0.5, 0.5, 0.25, 0.5, []float32{0.24, 0.16}},
		anchor{0.2, 0.2, 0.1, 0.1, []float32{0.10, 0.05}},
	)

	dets, err := PostProcess(raw, stretchGeometry(1280, 720), anomalyStore().Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, uint32(0), d.ClassID)
	assert.Equal(t, "異常", d.ClassName)
	assert.Equal(t, float32(0.24), d.Confidence)
	assert.InDelta(t, 480, d.BBox.X, 1e-3)
	assert.InDelta(t, 180, d.BBox.Y, 1e-3)
	assert.InDelta(t, 320, d.BBox.Width, 1e-3)
	assert.InDelta(t, 360, d.BBox.Height, 1e-3)
}

func TestPostProcessArgmaxTiePicksLowestID(t *testing.T) {
	raw := rawOutput(2, anchor{0.5, 0.5, 0.1, 0.1, []float32{0.7, 0.7}})
	dets, err := PostProcess(raw, stretchGeometry(640, 640), anomalyStore().Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, uint32(0), dets[0].ClassID)
}

func TestPostProcessArgmaxThresholdIsPerWinningClass(t *testing.T) {
	// 正常 wins at 0.45 and is dropped by its 0.5 threshold even though 異常
	// clears its own 0.20 threshold.
	raw := rawOutput(2, anchor{0.5, 0.5, 0.1, 0.1, []float32{0.3, 0.45}})
	dets, err := PostProcess(raw, stretchGeometry(640, 640), anomalyStore().Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func spreadAnchors(n, numClasses int) []anchor {
	anchors := make([]anchor, n)
	for i := range anchors {
		scores := make([]float32, numClasses)
		scores[i%numClasses] = float32(i%100) / 100
		anchors[i] = anchor{
			cx:     float32(i%40)/40 + 0.01,
			cy:     float32(i/40)/float32(n/40+1) + 0.01,
			w:      0.005,
			h:      0.005,
			scores: scores,
		}
	}
	return anchors
}

func TestDecodeAnchorsThresholdMonotonic(t *testing.T) {
	store := NewConfigStore(DefaultThreshold)
	store.LoadCatalog([]string{"a", "b", "c"}, nil)
	raw := rawOutput(3, spreadAnchors(1500, 3)...)
	geom := stretchGeometry(640, 640)

	var previous map[models.BBox]bool
	for _, thr := range []float32{0, 0.1, 0.25, 0.5, 0.75, 0.99, 1} {
		require.NoError(t, store.UpdateThresholds(map[string]float32{"a": thr, "b": thr, "c": thr}))
		dets, err := decodeAnchors(raw, geom, store.Snapshot())
		require.NoError(t, err)

		current := map[models.BBox]bool{}
		for _, d := range dets {
			assert.GreaterOrEqual(t, d.Confidence, thr)
			current[d.BBox] = true
		}
		if previous != nil {
			for b := range current {
				assert.True(t, previous[b], "threshold %v admitted a new box %v", thr, b)
			}
		}
		previous = current
	}
}

func TestDecodeAnchorsPreservesAnchorOrder(t *testing.T) {
	store := NewConfigStore(0)
	store.LoadCatalog([]string{"a"}, map[string]float32{"a": 0})

	n := 3*chunkSize + 17
	anchors := make([]anchor, n)
	for i := range anchors {
		anchors[i] = anchor{float32(i) / float32(n), 0.5, 0.0001, 0.0001, []float32{0.9}}
	}

	dets, err := decodeAnchors(rawOutput(1, anchors...), stretchGeometry(640, 640), store.Snapshot())
	require.NoError(t, err)
	require.Len(t, dets, n)
	for i := 1; i < n; i++ {
		require.Less(t, dets[i-1].BBox.X, dets[i].BBox.X)
	}
}

func TestPostProcessEnabledClassesExclusive(t *testing.T) {
	store := NewConfigStore(DefaultThreshold)
	store.LoadCatalog([]string{"cat", "dog", "bird"}, nil)
	raw := rawOutput(3, spreadAnchors(400, 3)...)

	store.SetEnabledClasses([]uint32{1})
	dets, err := PostProcess(raw, stretchGeometry(640, 640), store.Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	require.NotEmpty(t, dets)
	for _, d := range dets {
		assert.Equal(t, uint32(1), d.ClassID)
		assert.Equal(t, "dog", d.ClassName)
	}

	store.SetEnabledClasses(nil)
	dets, err = PostProcess(raw, stretchGeometry(640, 640), store.Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestPostProcessCrossClassSuppression(t *testing.T) {
	store := NewConfigStore(DefaultThreshold)
	store.LoadCatalog([]string{"a", "b"}, nil)
	raw := rawOutput(2,
		anchor{0.5, 0.5, 0.2, 0.2, []float32{0.8, 0}},
		anchor{0.5, 0.5, 0.2, 0.2, []float32{0, 0.9}},
	)
	dets, err := PostProcess(raw, stretchGeometry(640, 640), store.Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "b", dets[0].ClassName)
}

func TestPostProcessShapeErrors(t *testing.T) {
	snap := anomalyStore().Snapshot()
	geom := stretchGeometry(640, 640)

	tests := []struct {
		name string
		raw  *Tensor
	}{
		{"nil", nil},
		{"wrong rank", NewTensor(6, 10)},
		{"wrong batch", NewTensor(2, 6, 10)},
		{"wrong class rows", NewTensor(1, 5, 10)},
		{"short data", &Tensor{Shape: []int64{1, 6, 10}, Data: make([]float32, 59)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PostProcess(tt.raw, geom, snap, DefaultIoUThreshold)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInference))
		})
	}
}

func TestPostProcessNoAnchors(t *testing.T) {
	dets, err := PostProcess(NewTensor(1, 6, 0), stretchGeometry(10, 10), anomalyStore().Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	assert.NotNil(t, dets)
	assert.Empty(t, dets)
}

func TestPostProcessDegenerateBoxes(t *testing.T) {
	raw := rawOutput(2,
		anchor{0.5, 0.5, 0, 0, []float32{0.9, 0}},
		anchor{0.5, 0.5, -0.3, 0.1, []float32{0.8, 0}},
		anchor{0.5, 0.5, 0, 0, []float32{0.7, 0}},
	)
	dets, err := PostProcess(raw, stretchGeometry(100, 100), anomalyStore().Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	assert.Len(t, dets, 3)
	for _, d := range dets {
		assert.GreaterOrEqual(t, d.BBox.Width, float32(0))
		assert.GreaterOrEqual(t, d.BBox.Height, float32(0))
	}
}

func TestPostProcessSkipsNonFiniteBoxes(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	scores := []float32{0.9, 0.1}

	raw := rawOutput(2,
		anchor{0.5, 0.5, nan, 0.1, scores},
		anchor{nan, 0.5, 0.1, 0.1, scores},
		anchor{0.5, -inf, 0.1, 0.1, scores},
		anchor{0.5, 0.5, 0.1, inf, scores},
		anchor{0.2, 0.2, 0.1, 0.1, []float32{0.8, 0.1}},
	)

	dets, err := PostProcess(raw, stretchGeometry(640, 640), anomalyStore().Snapshot(), DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(0.8), dets[0].Confidence)
	assert.InDelta(t, 96, dets[0].BBox.X, 1e-3)
	assert.InDelta(t, 64, dets[0].BBox.Width, 1e-3)

	_, err = json.Marshal(dets)
	assert.NoError(t, err)
}
