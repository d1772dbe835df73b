package detections

import (
	"sync"
	"time"

	"github.com/Tutortoise/detection-service/models"
)

// StatsCollector accumulates per-stage timings across calls.
type StatsCollector struct {
	mu          sync.RWMutex
	inferences  uint64
	preprocess  time.Duration
	inference   time.Duration
	postprocess time.Duration
	hits        uint64
	misses      uint64
	fps         float64
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

func (s *StatsCollector) RecordPreprocess(d time.Duration, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preprocess += d
	if hit {
		s.hits++
	} else {
		s.misses++
	}
}

func (s *StatsCollector) RecordInference(d time.Duration) {
	s.mu.Lock()
	s.inference += d
	s.mu.Unlock()
}

func (s *StatsCollector) RecordPostprocess(d time.Duration) {
	s.mu.Lock()
	s.postprocess += d
	s.mu.Unlock()
}

// FinishCall counts a completed call. The FPS figure reflects only this call
// and is left unchanged when total is below one millisecond.
func (s *StatsCollector) FinishCall(total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferences++
	if ms := float64(total) / float64(time.Millisecond); ms >= 1 {
		s.fps = 1000 / ms
	}
}

func (s *StatsCollector) Snapshot() models.ModelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.ModelStats{
		TotalInferences:        s.inferences,
		TotalPreprocessTimeMs:  uint64(s.preprocess.Milliseconds()),
		TotalInferenceTimeMs:   uint64(s.inference.Milliseconds()),
		TotalPostprocessTimeMs: uint64(s.postprocess.Milliseconds()),
		AvgFPS:                 s.fps,
		CacheHits:              s.hits,
		CacheMisses:            s.misses,
	}
}

func (s *StatsCollector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferences = 0
	s.preprocess, s.inference, s.postprocess = 0, 0, 0
	s.hits, s.misses = 0, 0
	s.fps = 0
}
