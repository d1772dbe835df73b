package models

import "time"

// BBox is a top-left anchored box in original image pixels.
type BBox struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (b BBox) Area() float32 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

type Detection struct {
	ClassID    uint32  `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

type Size struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

type DetectionResult struct {
	Detections       []Detection   `json:"detections"`
	ImageWidth       uint32        `json:"image_width"`
	ImageHeight      uint32        `json:"image_height"`
	ProcessingTime   time.Duration `json:"-"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	ModelInputSize   Size          `json:"model_input_size"`
}

type ModelStats struct {
	TotalInferences        uint64  `json:"total_inferences"`
	TotalPreprocessTimeMs  uint64  `json:"total_preprocess_time_ms"`
	TotalInferenceTimeMs   uint64  `json:"total_inference_time_ms"`
	TotalPostprocessTimeMs uint64  `json:"total_postprocess_time_ms"`
	AvgFPS                 float64 `json:"avg_fps"`
	CacheHits              uint64  `json:"cache_hits"`
	CacheMisses            uint64  `json:"cache_misses"`
}

// CacheHitRate returns the hit percentage, 0 when the cache was never consulted.
func (s ModelStats) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return 100 * float64(s.CacheHits) / float64(total)
}

type ClassInfo struct {
	ID                uint32  `json:"id"`
	Name              string  `json:"name"`
	DefaultConfidence float32 `json:"default_confidence"`
	Threshold         float32 `json:"threshold"`
	Enabled           bool    `json:"enabled"`
}

type ModelInfo struct {
	ModelPath       string    `json:"model_path"`
	CatalogSource   string    `json:"catalog_source"`
	Device          string    `json:"device"`
	InputSize       Size      `json:"input_size"`
	NumClasses      int       `json:"num_classes"`
	ModelLoaded     bool      `json:"model_loaded"`
	LoadedAt        time.Time `json:"loaded_at,omitempty"`
	TotalInferences uint64    `json:"total_inferences,omitempty"`
	AvgFPS          float64   `json:"avg_fps,omitempty"`
	CacheHitRate    float64   `json:"cache_hit_rate,omitempty"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	NMS         time.Duration
	Total       time.Duration
	CacheHit    bool
}
