package onnx

import (
	"image"
	"sync"

	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/logger"
	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Options configures ONNX Runtime backends.
type Options struct {
	LibraryPath    string
	PoolSize       int
	IntraOpThreads int
	InterOpThreads int
	InputName      string
	OutputName     string
	// PixelBoxes marks models whose box rows are in input pixels rather than
	// normalized to [0,1].
	PixelBoxes bool
}

func DefaultOptions() Options {
	return Options{
		PoolSize:   DefaultPoolSize,
		InputName:  "images",
		OutputName: "output0",
		PixelBoxes: true,
	}
}

// Backend runs a YOLO-style detector through a pool of ONNX Runtime sessions.
type Backend struct {
	opts       Options
	modelPath  string
	input      image.Point
	numClasses int
	numAnchors int
	pool       *sessionPool
}

// anchorCount is the number of prediction cells a three-scale detector with
// strides 8, 16 and 32 produces for a w x h input.
func anchorCount(w, h int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (w / stride) * (h / stride)
	}
	return n
}

// normalizeBoxes divides the four box rows by the input size in place.
func normalizeBoxes(data []float32, numAnchors int, w, h float32) {
	scale := [4]float32{w, h, w, h}
	for row, s := range scale {
		if s <= 0 {
			continue
		}
		seg := data[row*numAnchors : (row+1)*numAnchors]
		for i := range seg {
			seg[i] /= s
		}
	}
}

// modelLayout is what the model file says about its tensors; zero fields mean
// the dimension is dynamic.
type modelLayout struct {
	input      image.Point
	rows       int
	numAnchors int
}

func layoutFromInfo(inputs, outputs []ort.InputOutputInfo, inputName, outputName string) (modelLayout, error) {
	var layout modelLayout

	in, ok := findInfo(inputs, inputName)
	if !ok {
		return layout, errors.Newf("model has no input named %q", inputName)
	}
	if d := in.Dimensions; len(d) == 4 {
		if d[1] > 0 && d[1] != 3 {
			return layout, errors.Newf("input %q has %d channels, want 3", inputName, d[1])
		}
		if d[2] > 0 && d[3] > 0 {
			layout.input = image.Pt(int(d[3]), int(d[2]))
		}
	} else {
		return layout, errors.Newf("input %q has rank %d, want 4", inputName, len(d))
	}

	out, ok := findInfo(outputs, outputName)
	if !ok {
		return layout, errors.Newf("model has no output named %q", outputName)
	}
	if d := out.Dimensions; len(d) == 3 {
		if d[1] > 0 {
			layout.rows = int(d[1])
		}
		if d[2] > 0 {
			layout.numAnchors = int(d[2])
		}
	} else {
		return layout, errors.Newf("output %q has rank %d, want 3", outputName, len(d))
	}
	return layout, nil
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

// resolve fills dynamic dimensions from what the engine expects.
func (l modelLayout) resolve(spec detections.BackendSpec) (modelLayout, error) {
	if l.input == (image.Point{}) {
		l.input = spec.InputSize
	}
	if l.input.X <= 0 || l.input.Y <= 0 {
		return l, errors.Newf("input size %v is not usable", l.input)
	}
	if l.rows == 0 {
		l.rows = 4 + spec.NumClasses
	}
	if l.rows <= 4 {
		return l, errors.Newf("output has %d rows, need at least 5", l.rows)
	}
	if l.numAnchors == 0 {
		l.numAnchors = anchorCount(l.input.X, l.input.Y)
	}
	return l, nil
}

// New loads modelPath and builds the session pool.
func New(modelPath string, spec detections.BackendSpec, opts Options) (*Backend, error) {
	if opts.InputName == "" || opts.OutputName == "" {
		d := DefaultOptions()
		opts.InputName, opts.OutputName = d.InputName, d.OutputName
	}

	if err := initEnvironment(ResolveLibraryPath(opts.LibraryPath)); err != nil {
		return nil, detections.ModelLoadError(err, "onnxruntime unavailable")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, detections.ModelLoadError(err, "read model %s", modelPath)
	}
	layout, err := layoutFromInfo(inputs, outputs, opts.InputName, opts.OutputName)
	if err == nil {
		layout, err = layout.resolve(spec)
	}
	if err != nil {
		return nil, detections.ModelLoadError(err, "model %s", modelPath)
	}

	cfg := sessionConfig{
		modelPath:      modelPath,
		inputName:      opts.InputName,
		outputName:     opts.OutputName,
		inputShape:     ort.NewShape(1, 3, int64(layout.input.Y), int64(layout.input.X)),
		outputShape:    ort.NewShape(1, int64(layout.rows), int64(layout.numAnchors)),
		intraOpThreads: opts.IntraOpThreads,
		interOpThreads: opts.InterOpThreads,
	}
	pool, err := newSessionPool(opts.PoolSize, func() (session, error) {
		return newModelSession(cfg)
	}, HealthCheckPeriod)
	if err != nil {
		return nil, detections.ModelLoadError(err, "model %s", modelPath)
	}

	logger.Logger.Infow("ONNX backend ready",
		"model", modelPath,
		"input", layout.input,
		"classes", layout.rows-4,
		"anchors", layout.numAnchors,
		"sessions", pool.size)

	return &Backend{
		opts:       opts,
		modelPath:  modelPath,
		input:      layout.input,
		numClasses: layout.rows - 4,
		numAnchors: layout.numAnchors,
		pool:       pool,
	}, nil
}

func (b *Backend) Infer(input *detections.Tensor) (*detections.Tensor, error) {
	if err := input.Validate(); err != nil {
		return nil, detections.InferenceError(err, "invalid input")
	}
	want := []int64{1, 3, int64(b.input.Y), int64(b.input.X)}
	if !equalShape(input.Shape, want) {
		return nil, detections.InferenceError(nil, "input shape %v, model expects %v", input.Shape, want)
	}

	s, err := b.pool.Acquire()
	if err != nil {
		return nil, detections.InferenceError(err, "acquire session")
	}
	out, err := s.run(input.Data)
	if err != nil {
		b.pool.Discard(s, err)
		return nil, detections.InferenceError(err, "model %s", b.modelPath)
	}
	b.pool.Release(s)

	if b.opts.PixelBoxes {
		normalizeBoxes(out, b.numAnchors, float32(b.input.X), float32(b.input.Y))
	}
	return &detections.Tensor{
		Shape: []int64{1, int64(4 + b.numClasses), int64(b.numAnchors)},
		Data:  out,
	}, nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Backend) ModelShape() detections.ModelShape {
	return detections.ModelShape{
		InputSize:  b.input,
		NumClasses: b.numClasses,
		Device:     detections.DeviceDescription() + " onnxruntime",
	}
}

func (b *Backend) PoolStats() PoolStats {
	return b.pool.Stats()
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Factory builds backends for an engine and remembers the newest one so
// pool counters can be exported.
type Factory struct {
	opts Options

	mu      sync.Mutex
	current *Backend
}

func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

// Build matches detections.BackendFactory.
func (f *Factory) Build(modelPath string, spec detections.BackendSpec) (detections.InferenceBackend, error) {
	b, err := New(modelPath, spec, f.opts)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.current = b
	f.mu.Unlock()
	return b, nil
}

// PoolStats reports the newest backend's pool, zero before the first build.
func (f *Factory) PoolStats() PoolStats {
	f.mu.Lock()
	b := f.current
	f.mu.Unlock()
	if b == nil {
		return PoolStats{}
	}
	return b.PoolStats()
}
