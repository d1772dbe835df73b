package detections

import (
	"image"
	"image/color"
	"math"
	"time"

	"github.com/Tutortoise/detection-service/models"
	"github.com/disintegration/imaging"
)

// Geometry records how an original image was mapped onto the model input, so
// boxes in model pixels can be mapped back with orig = (model - pad) / gain.
type Geometry struct {
	Original image.Point
	Input    image.Point
	GainX    float32
	GainY    float32
	PadX     float32
	PadY     float32
}

func fitGeometry(original, input image.Point, mode ResizeMode) Geometry {
	g := Geometry{Original: original, Input: input}
	if mode != ResizeLetterbox {
		g.GainX = float32(input.X) / float32(original.X)
		g.GainY = float32(input.Y) / float32(original.Y)
		return g
	}

	r := letterboxRatio(original, input)
	scaled := letterboxSize(original, r)
	g.GainX = float32(r)
	g.GainY = float32(r)
	g.PadX = float32((input.X - scaled.X) / 2)
	g.PadY = float32((input.Y - scaled.Y) / 2)
	return g
}

func letterboxRatio(original, input image.Point) float64 {
	return math.Min(float64(input.X)/float64(original.X), float64(input.Y)/float64(original.Y))
}

func letterboxSize(original image.Point, r float64) image.Point {
	w := int(math.Round(float64(original.X) * r))
	h := int(math.Round(float64(original.Y) * r))
	return image.Pt(max(w, 1), max(h, 1))
}

// ToOriginal converts a center box in model-input pixels to a top-left box in
// original pixels. Width and height never come out negative; the box is not
// clipped to the image.
func (g Geometry) ToOriginal(cx, cy, w, h float32) models.BBox {
	w = max(w, 0)
	h = max(h, 0)
	return models.BBox{
		X:      (cx - w/2 - g.PadX) / g.GainX,
		Y:      (cy - h/2 - g.PadY) / g.GainY,
		Width:  w / g.GainX,
		Height: h / g.GainY,
	}
}

// Preprocessed is the output of one Preprocess call. Tensor may be shared with
// the cache and must not be modified.
type Preprocessed struct {
	Tensor   *Tensor
	Geometry Geometry
	CacheHit bool

	Decode time.Duration
	Resize time.Duration
	Layout time.Duration
}

// Preprocessor turns encoded image bytes into the model's [1,3,H,W] input.
type Preprocessor struct {
	input    image.Point
	mode     ResizeMode
	channels *channelProcessor
	cache    tensorCache
}

func NewPreprocessor(width, height int, mode ResizeMode) *Preprocessor {
	if width <= 0 {
		width = InputWidth
	}
	if height <= 0 {
		height = InputHeight
	}
	if !mode.Valid() {
		mode = ResizeStretch
	}
	return &Preprocessor{
		input:    image.Pt(width, height),
		mode:     mode,
		channels: newChannelProcessor(width, height),
	}
}

func (p *Preprocessor) InputSize() image.Point { return p.input }

func (p *Preprocessor) Mode() ResizeMode { return p.mode }

// Preprocess returns the model input for data. Identical bytes seen by the
// previous successful call are served from the cache; the original size is
// re-read from the image header in that case. Decode failures leave the cache
// untouched.
func (p *Preprocessor) Preprocess(data []byte) (*Preprocessed, error) {
	if len(data) == 0 {
		return nil, decodeError(nil, "empty image data")
	}

	out := &Preprocessed{}
	var original image.Point

	tensor, hit, err := p.cache.getOrCompute(contentDigest(data), func() (*Tensor, error) {
		start := time.Now()
		img, err := DecodeImage(data)
		if err != nil {
			return nil, err
		}
		out.Decode = time.Since(start)
		original = img.Bounds().Size()

		start = time.Now()
		fitted := p.fit(img)
		out.Resize = time.Since(start)

		start = time.Now()
		t := &Tensor{
			Shape: []int64{1, numChannels, int64(p.input.Y), int64(p.input.X)},
			Data:  p.channels.process(fitted),
		}
		out.Layout = time.Since(start)
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	if hit {
		start := time.Now()
		original, err = ImageDimensions(data)
		if err != nil {
			return nil, err
		}
		out.Decode = time.Since(start)
	}

	out.Tensor = tensor
	out.CacheHit = hit
	out.Geometry = fitGeometry(original, p.input, p.mode)
	return out, nil
}

func (p *Preprocessor) fit(img image.Image) *image.NRGBA {
	if p.mode != ResizeLetterbox {
		return imaging.Resize(img, p.input.X, p.input.Y, imaging.Lanczos)
	}

	size := img.Bounds().Size()
	g := fitGeometry(size, p.input, p.mode)
	scaled := letterboxSize(size, letterboxRatio(size, p.input))
	resized := imaging.Resize(img, scaled.X, scaled.Y, imaging.Lanczos)
	canvas := imaging.New(p.input.X, p.input.Y, color.NRGBA{R: letterboxFill, G: letterboxFill, B: letterboxFill, A: 255})
	return imaging.Paste(canvas, resized, image.Pt(int(g.PadX), int(g.PadY)))
}

// Reset drops the cached tensor.
func (p *Preprocessor) Reset() {
	p.cache.clear()
}
