package detections

import (
	"math"
	"runtime"
	"sync"

	"github.com/Tutortoise/detection-service/models"
)

// decodeAnchors turns a raw [1, 4+numClasses, numAnchors] output into filtered
// detections in original-image pixels, ordered by anchor index.
func decodeAnchors(raw *Tensor, geom Geometry, snap *ConfigSnapshot) ([]models.Detection, error) {
	numClasses := len(snap.Catalog)
	if err := raw.Validate(); err != nil {
		return nil, inferenceError(err, "malformed model output")
	}
	if len(raw.Shape) != 3 || raw.Shape[0] != 1 {
		return nil, inferenceError(nil, "unexpected output shape %v, want [1 %d N]", raw.Shape, 4+numClasses)
	}
	if raw.Shape[1] != int64(4+numClasses) {
		return nil, inferenceError(nil, "output has %d rows, catalog needs %d", raw.Shape[1], 4+numClasses)
	}

	numAnchors := int(raw.Shape[2])
	if numAnchors == 0 || numClasses == 0 {
		return []models.Detection{}, nil
	}

	numChunks := (numAnchors + chunkSize - 1) / chunkSize
	chunks := make([][]models.Detection, numChunks)
	numWorkers := min(runtime.NumCPU(), numChunks)
	jobs := make(chan int, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				start := c * chunkSize
				end := min(start+chunkSize, numAnchors)
				chunks[c] = decodeRange(raw.Data, numAnchors, start, end, geom, snap)
			}
		}()
	}

	for c := 0; c < numChunks; c++ {
		jobs <- c
	}
	close(jobs)
	wg.Wait()

	detections := make([]models.Detection, 0, 64)
	for _, chunk := range chunks {
		detections = append(detections, chunk...)
	}
	return detections, nil
}

func decodeRange(data []float32, numAnchors, start, end int, geom Geometry, snap *ConfigSnapshot) []models.Detection {
	var local []models.Detection
	inW := float32(geom.Input.X)
	inH := float32(geom.Input.Y)

	for i := start; i < end; i++ {
		classID := 0
		best := float32(math.Inf(-1))
		for c := range snap.Catalog {
			if s := data[(4+c)*numAnchors+i]; s > best {
				best = s
				classID = c
			}
		}

		name := snap.Catalog[classID]
		if !(best >= snap.Threshold(name)) {
			continue
		}
		if !snap.IsEnabled(uint32(classID)) {
			continue
		}

		cx, cy := data[i], data[numAnchors+i]
		w, h := data[2*numAnchors+i], data[3*numAnchors+i]
		if !finite(cx, cy, w, h) {
			continue
		}

		local = append(local, models.Detection{
			ClassID:    uint32(classID),
			ClassName:  name,
			Confidence: best,
			BBox:       geom.ToOriginal(cx*inW, cy*inH, w*inW, h*inH),
		})
	}
	return local
}

// finite reports whether no value is NaN or infinite.
func finite(vs ...float32) bool {
	for _, v := range vs {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// PostProcess decodes raw model output against one configuration snapshot and
// applies cross-class non-maximum suppression.
func PostProcess(raw *Tensor, geom Geometry, snap *ConfigSnapshot, iouThreshold float32) ([]models.Detection, error) {
	candidates, err := decodeAnchors(raw, geom, snap)
	if err != nil {
		return nil, err
	}
	return NonMaxSuppression(candidates, iouThreshold), nil
}
