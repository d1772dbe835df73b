package detections

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Tutortoise/detection-service/logger"
	"github.com/Tutortoise/detection-service/models"
	"github.com/cockroachdb/errors"
)

// Options configures an Engine. Zero values fall back to DefaultOptions.
type Options struct {
	InputWidth       int
	InputHeight      int
	ResizeMode       ResizeMode
	IoUThreshold     float32
	DefaultThreshold float32
	Catalog          CatalogOptions
	// ModelExtension, when set, is the only accepted model file extension.
	ModelExtension string
}

func DefaultOptions() Options {
	return Options{
		InputWidth:       InputWidth,
		InputHeight:      InputHeight,
		ResizeMode:       ResizeStretch,
		IoUThreshold:     DefaultIoUThreshold,
		DefaultThreshold: DefaultThreshold,
		Catalog: CatalogOptions{
			FileName:        CatalogFileName,
			PrivilegedClass: -1,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InputWidth <= 0 {
		o.InputWidth = d.InputWidth
	}
	if o.InputHeight <= 0 {
		o.InputHeight = d.InputHeight
	}
	if !o.ResizeMode.Valid() {
		o.ResizeMode = d.ResizeMode
	}
	if o.IoUThreshold <= 0 {
		o.IoUThreshold = d.IoUThreshold
	}
	if o.DefaultThreshold <= 0 {
		o.DefaultThreshold = d.DefaultThreshold
	}
	if o.Catalog.FileName == "" {
		o.Catalog.FileName = d.Catalog.FileName
	}
	return o
}

// modelState is everything that changes together on a model load.
type modelState struct {
	path          string
	backend       InferenceBackend
	preprocessor  *Preprocessor
	catalogSource string
	device        string
	loadedAt      time.Time
}

// Engine runs preprocess, inference and post-processing for encoded images.
// It starts without a model; Detect fails with ErrNotInitialized until
// LoadModel succeeds.
type Engine struct {
	opts    Options
	factory BackendFactory

	loadMu  sync.Mutex
	modelMu sync.RWMutex
	model   *modelState

	config *ConfigStore
	stats  *StatsCollector
}

func NewEngine(factory BackendFactory, opts Options) (*Engine, error) {
	if factory == nil {
		return nil, errors.New("detections: nil backend factory")
	}
	opts = opts.withDefaults()
	return &Engine{
		opts:    opts,
		factory: factory,
		config:  NewConfigStore(opts.DefaultThreshold),
		stats:   NewStatsCollector(),
	}, nil
}

func (e *Engine) validateModelPath(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return loadError(err, "model file %s", path)
	}
	if !fi.Mode().IsRegular() {
		return loadError(nil, "model path %s is not a regular file", path)
	}
	if ext := e.opts.ModelExtension; ext != "" && !strings.EqualFold(filepath.Ext(path), ext) {
		return loadError(nil, "model file %s must have the %s extension", path, ext)
	}
	return nil
}

// LoadModel builds a backend and catalog for path and swaps them in. Calls in
// flight finish on the previous model; on failure the previous model, if any,
// keeps serving.
func (e *Engine) LoadModel(path string) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	start := time.Now()
	if err := e.validateModelPath(path); err != nil {
		return err
	}

	catalog, err := LoadCatalog(path, e.opts.Catalog)
	if err != nil {
		return err
	}

	input := image.Pt(e.opts.InputWidth, e.opts.InputHeight)
	backend, err := e.factory(path, BackendSpec{InputSize: input, NumClasses: len(catalog.Names)})
	if err != nil {
		return ModelLoadError(err, "create backend for %s", path)
	}

	device := DeviceDescription()
	if d, ok := backend.(ShapeDescriber); ok {
		shape := d.ModelShape()
		if shape.NumClasses > 0 && shape.NumClasses != len(catalog.Names) {
			_ = backend.Close()
			return loadError(nil, "model reports %d classes, catalog %s has %d",
				shape.NumClasses, catalog.Source, len(catalog.Names))
		}
		if shape.InputSize.X > 0 && shape.InputSize.Y > 0 {
			input = shape.InputSize
		}
		if shape.Device != "" {
			device = shape.Device
		}
	}

	next := &modelState{
		path:          path,
		backend:       backend,
		preprocessor:  NewPreprocessor(input.X, input.Y, e.opts.ResizeMode),
		catalogSource: catalog.Source,
		device:        device,
		loadedAt:      time.Now(),
	}

	e.modelMu.Lock()
	prev := e.model
	e.model = next
	e.config.LoadCatalog(catalog.Names, catalog.Thresholds)
	e.modelMu.Unlock()

	if prev != nil {
		if err := prev.backend.Close(); err != nil {
			logger.Logger.Warnw("Closing previous backend failed", "model", prev.path, "error", err)
		}
	}

	logger.Logger.Infow("Model loaded",
		"model", path,
		"classes", len(catalog.Names),
		"catalog", catalog.Source,
		"input", input,
		"device", device,
		"replaced", prev != nil,
		"elapsed", time.Since(start))
	return nil
}

// Detect runs the full pipeline on encoded image bytes.
func (e *Engine) Detect(data []byte) (*models.DetectionResult, error) {
	return e.DetectTimed(data, nil)
}

// DetectTimed is Detect that also fills per-stage timings when t is not nil.
func (e *Engine) DetectTimed(data []byte, t *models.ProcessingTimings) (*models.DetectionResult, error) {
	start := time.Now()

	e.modelMu.RLock()
	defer e.modelMu.RUnlock()

	m := e.model
	if m == nil {
		return nil, newStageError(ErrNotInitialized, StageLoad, nil, "no model loaded")
	}

	prepStart := time.Now()
	prep, err := m.preprocessor.Preprocess(data)
	if err != nil {
		return nil, err
	}
	prepTime := time.Since(prepStart)
	e.stats.RecordPreprocess(prepTime, prep.CacheHit)

	inferStart := time.Now()
	raw, err := m.backend.Infer(prep.Tensor)
	if err != nil {
		return nil, InferenceError(err, "backend %s", m.path)
	}
	inferTime := time.Since(inferStart)
	e.stats.RecordInference(inferTime)

	postStart := time.Now()
	candidates, err := decodeAnchors(raw, prep.Geometry, e.config.Snapshot())
	if err != nil {
		return nil, err
	}
	decodeTime := time.Since(postStart)

	nmsStart := time.Now()
	kept := NonMaxSuppression(candidates, e.opts.IoUThreshold)
	nmsTime := time.Since(nmsStart)
	e.stats.RecordPostprocess(time.Since(postStart))

	total := time.Since(start)
	e.stats.FinishCall(total)

	if t != nil {
		t.ImageDecode = prep.Decode
		t.Resize = prep.Resize
		t.Preprocess = prepTime
		t.Inference = inferTime
		t.Postprocess = decodeTime
		t.NMS = nmsTime
		t.Total = total
		t.CacheHit = prep.CacheHit
	}

	return &models.DetectionResult{
		Detections:       kept,
		ImageWidth:       uint32(prep.Geometry.Original.X),
		ImageHeight:      uint32(prep.Geometry.Original.Y),
		ProcessingTime:   total,
		ProcessingTimeMs: total.Milliseconds(),
		ModelInputSize: models.Size{
			Width:  uint32(prep.Geometry.Input.X),
			Height: uint32(prep.Geometry.Input.Y),
		},
	}, nil
}

// UpdateThreshold sets the confidence threshold of a catalog class.
func (e *Engine) UpdateThreshold(className string, value float32) error {
	return e.UpdateThresholds(map[string]float32{className: value})
}

// UpdateThresholds applies all updates or none.
func (e *Engine) UpdateThresholds(updates map[string]float32) error {
	if err := e.config.UpdateThresholds(updates); err != nil {
		logger.Logger.Warnw("Threshold update rejected", "updates", updates, "error", err)
		return err
	}
	logger.Logger.Infow("Thresholds updated", "updates", updates)
	return nil
}

// SetEnabledClasses replaces the enabled set; unknown ids are ignored.
func (e *Engine) SetEnabledClasses(ids []uint32) error {
	if dropped := e.config.SetEnabledClasses(ids); dropped > 0 {
		logger.Logger.Debugw("Ignored unknown class ids", "requested", ids, "dropped", dropped)
	}
	return nil
}

func (e *Engine) EnabledClasses() []uint32 {
	return e.config.EnabledClasses()
}

func (e *Engine) Thresholds() map[string]float32 {
	return e.config.Thresholds()
}

// ResetConfiguration restores default thresholds and enables every class.
func (e *Engine) ResetConfiguration() {
	e.config.Reset()
	logger.Logger.Infow("Detection configuration reset")
}

func (e *Engine) Stats() models.ModelStats {
	return e.stats.Snapshot()
}

func (e *Engine) ResetStats() {
	e.stats.Reset()
}

// ClassCatalog maps class ids to names for the loaded model.
func (e *Engine) ClassCatalog() map[uint32]string {
	names := e.config.Catalog()
	out := make(map[uint32]string, len(names))
	for i, n := range names {
		out[uint32(i)] = n
	}
	return out
}

func (e *Engine) Classes() []models.ClassInfo {
	return e.config.Classes()
}

// Loaded reports whether a model is serving.
func (e *Engine) Loaded() bool {
	e.modelMu.RLock()
	defer e.modelMu.RUnlock()
	return e.model != nil
}

// ModelPath returns the path of the serving model, empty when none.
func (e *Engine) ModelPath() string {
	e.modelMu.RLock()
	defer e.modelMu.RUnlock()
	if e.model == nil {
		return ""
	}
	return e.model.path
}

func (e *Engine) ModelInfo() models.ModelInfo {
	e.modelMu.RLock()
	m := e.model
	e.modelMu.RUnlock()

	info := models.ModelInfo{
		Device:     DeviceDescription(),
		InputSize:  models.Size{Width: uint32(e.opts.InputWidth), Height: uint32(e.opts.InputHeight)},
		NumClasses: len(e.config.Catalog()),
	}
	if m == nil {
		return info
	}

	in := m.preprocessor.InputSize()
	info.ModelPath = m.path
	info.CatalogSource = m.catalogSource
	info.Device = m.device
	info.InputSize = models.Size{Width: uint32(in.X), Height: uint32(in.Y)}
	info.ModelLoaded = true
	info.LoadedAt = m.loadedAt

	if s := e.stats.Snapshot(); s.TotalInferences > 0 {
		info.TotalInferences = s.TotalInferences
		info.AvgFPS = s.AvgFPS
		info.CacheHitRate = s.CacheHitRate()
	}
	return info
}

// Close releases the backend. The engine returns to the uninitialized state.
func (e *Engine) Close() error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.modelMu.Lock()
	m := e.model
	e.model = nil
	e.modelMu.Unlock()

	if m == nil {
		return nil
	}
	return m.backend.Close()
}
