package detections

import (
	"math"
	"sort"
	"sync"

	"github.com/Tutortoise/detection-service/models"
	"github.com/cockroachdb/errors"
)

// ConfigSnapshot is an immutable view of the detection configuration. The
// store replaces its snapshot on every write, so a snapshot taken by a call
// stays consistent for the rest of that call.
type ConfigSnapshot struct {
	Catalog          []string
	Thresholds       map[string]float32
	Enabled          map[uint32]struct{}
	DefaultThreshold float32
}

// Threshold returns the confidence threshold for a class name.
func (s *ConfigSnapshot) Threshold(name string) float32 {
	if v, ok := s.Thresholds[name]; ok {
		return v
	}
	return s.DefaultThreshold
}

func (s *ConfigSnapshot) IsEnabled(id uint32) bool {
	_, ok := s.Enabled[id]
	return ok
}

func (s *ConfigSnapshot) clone() *ConfigSnapshot {
	c := &ConfigSnapshot{
		Catalog:          s.Catalog,
		Thresholds:       make(map[string]float32, len(s.Thresholds)),
		Enabled:          make(map[uint32]struct{}, len(s.Enabled)),
		DefaultThreshold: s.DefaultThreshold,
	}
	for k, v := range s.Thresholds {
		c.Thresholds[k] = v
	}
	for k := range s.Enabled {
		c.Enabled[k] = struct{}{}
	}
	return c
}

// ConfigStore holds the class catalog, per-class thresholds and the enabled
// class set for one engine.
type ConfigStore struct {
	mu       sync.RWMutex
	current  *ConfigSnapshot
	index    map[string]uint32
	defaults map[string]float32
}

func NewConfigStore(defaultThreshold float32) *ConfigStore {
	return &ConfigStore{
		current: &ConfigSnapshot{
			Thresholds:       map[string]float32{},
			Enabled:          map[uint32]struct{}{},
			DefaultThreshold: clampThreshold(defaultThreshold),
		},
		index:    map[string]uint32{},
		defaults: map[string]float32{},
	}
}

func clampThreshold(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func checkThreshold(name string, v float32) (float32, error) {
	if math.IsNaN(float64(v)) {
		return 0, errors.Mark(errors.Newf("threshold for %q is NaN", name), ErrInvalidThreshold)
	}
	return clampThreshold(v), nil
}

// Snapshot returns the current configuration. Callers must not modify it.
func (s *ConfigStore) Snapshot() *ConfigSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LoadCatalog replaces the catalog, enables every class and resets thresholds
// to defaults. Classes missing from defaults use the store default.
func (s *ConfigStore) LoadCatalog(names []string, defaults map[string]float32) {
	catalog := append([]string(nil), names...)
	index := make(map[string]uint32, len(catalog))
	for i, n := range catalog {
		index[n] = uint32(i)
	}
	d := make(map[string]float32, len(defaults))
	for k, v := range defaults {
		if _, ok := index[k]; ok && !math.IsNaN(float64(v)) {
			d[k] = clampThreshold(v)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	s.defaults = d
	s.current = s.fresh(catalog)
}

func (s *ConfigStore) fresh(catalog []string) *ConfigSnapshot {
	snap := &ConfigSnapshot{
		Catalog:          catalog,
		Thresholds:       make(map[string]float32, len(catalog)),
		Enabled:          make(map[uint32]struct{}, len(catalog)),
		DefaultThreshold: s.current.DefaultThreshold,
	}
	for i, n := range catalog {
		if v, ok := s.defaults[n]; ok {
			snap.Thresholds[n] = v
		} else {
			snap.Thresholds[n] = snap.DefaultThreshold
		}
		snap.Enabled[uint32(i)] = struct{}{}
	}
	return snap
}

// Reset restores catalog defaults for thresholds and re-enables every class.
func (s *ConfigStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.fresh(s.current.Catalog)
}

// setThreshold clamps v into [0,1] and stores it for name whether or not name
// is in the catalog.
func (s *ConfigStore) setThreshold(name string, v float32) error {
	v, err := checkThreshold(name, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.clone()
	next.Thresholds[name] = v
	s.current = next
	return nil
}

// UpdateThreshold sets the threshold of a catalog class.
func (s *ConfigStore) UpdateThreshold(name string, v float32) error {
	return s.UpdateThresholds(map[string]float32{name: v})
}

// UpdateThresholds applies every update or none. Names must be in the catalog.
func (s *ConfigStore) UpdateThresholds(updates map[string]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	checked := make(map[string]float32, len(updates))
	for name, v := range updates {
		if _, ok := s.index[name]; !ok {
			return errors.Mark(errors.Newf("class %q is not in the catalog", name), ErrUnknownClass)
		}
		cv, err := checkThreshold(name, v)
		if err != nil {
			return err
		}
		checked[name] = cv
	}

	next := s.current.clone()
	for name, v := range checked {
		next.Thresholds[name] = v
	}
	s.current = next
	return nil
}

// Threshold returns the stored threshold for name or the default.
func (s *ConfigStore) Threshold(name string) float32 {
	return s.Snapshot().Threshold(name)
}

// Thresholds returns a copy of the threshold map.
func (s *ConfigStore) Thresholds() map[string]float32 {
	snap := s.Snapshot()
	out := make(map[string]float32, len(snap.Thresholds))
	for k, v := range snap.Thresholds {
		out[k] = v
	}
	return out
}

// SetEnabledClasses replaces the enabled set. Ids outside the catalog are
// dropped and their count returned.
func (s *ConfigStore) SetEnabledClasses(ids []uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	next.Enabled = make(map[uint32]struct{}, len(ids))
	dropped := 0
	for _, id := range ids {
		if int(id) >= len(next.Catalog) {
			dropped++
			continue
		}
		next.Enabled[id] = struct{}{}
	}
	s.current = next
	return dropped
}

// EnabledClasses returns the enabled ids in ascending order.
func (s *ConfigStore) EnabledClasses() []uint32 {
	snap := s.Snapshot()
	ids := make([]uint32, 0, len(snap.Enabled))
	for id := range snap.Enabled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Catalog returns the class names ordered by id.
func (s *ConfigStore) Catalog() []string {
	return append([]string(nil), s.Snapshot().Catalog...)
}

// Classes describes every catalog entry with its current state.
func (s *ConfigStore) Classes() []models.ClassInfo {
	s.mu.RLock()
	snap := s.current
	defaults := s.defaults
	s.mu.RUnlock()

	out := make([]models.ClassInfo, len(snap.Catalog))
	for i, name := range snap.Catalog {
		def, ok := defaults[name]
		if !ok {
			def = snap.DefaultThreshold
		}
		out[i] = models.ClassInfo{
			ID:                uint32(i),
			Name:              name,
			DefaultConfidence: def,
			Threshold:         snap.Threshold(name),
			Enabled:           snap.IsEnabled(uint32(i)),
		}
	}
	return out
}
