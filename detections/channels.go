package detections

import (
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

const numChannels = 3

// channelProcessor converts an image of exactly width x height pixels into a
// planar RGB buffer normalized to [0,1].
type channelProcessor struct {
	width, height int
	channelSize   int
	numWorkers    int
}

func newChannelProcessor(width, height int) *channelProcessor {
	return &channelProcessor{
		width:       width,
		height:      height,
		channelSize: width * height,
		numWorkers:  layoutWorkers(height),
	}
}

// process returns a fresh buffer of length 3*width*height. Rows are split
// across workers; every sample is written exactly once so the result does not
// depend on the split.
func (cp *channelProcessor) process(img image.Image) []float32 {
	src, ok := img.(*image.NRGBA)
	if !ok || src.Bounds().Min != (image.Point{}) {
		src = imaging.Clone(img)
	}

	buffer := make([]float32, cp.channelSize*numChannels)
	rowsPerWorker := cp.height / cp.numWorkers

	var wg sync.WaitGroup
	wg.Add(cp.numWorkers)

	for w := 0; w < cp.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == cp.numWorkers-1 {
			endRow = cp.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				offset := y * cp.width
				pix := src.Pix[y*src.Stride : y*src.Stride+cp.width*4]
				for x := 0; x < cp.width; x++ {
					i := offset + x
					p := pix[x*4 : x*4+3]
					buffer[i] = float32(p[0]) / 255.0
					buffer[cp.channelSize+i] = float32(p[1]) / 255.0
					buffer[cp.channelSize*2+i] = float32(p[2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
	return buffer
}
