package onnx

import (
	"sync"
	"time"

	"github.com/Tutortoise/detection-service/logger"
	"github.com/cockroachdb/errors"
)

const (
	DefaultPoolSize   = 4
	HealthCheckPeriod = 60 * time.Second
	maxRecordedErrors = 10
)

var errPoolClosed = errors.New("session pool is closed")

type session interface {
	run(in []float32) ([]float32, error)
	destroy()
}

// sessionPool hands out sessions one caller at a time. Acquire blocks until a
// session is free or the pool closes.
type sessionPool struct {
	sessions chan session
	size     int
	create   func() (session, error)
	done     chan struct{}

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error

	metrics *poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	runFailures     int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of pool counters.
type PoolStats struct {
	Size            int
	Live            int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	RunFailures     int64
	WaitTime        time.Duration
}

func newSessionPool(size int, create func() (session, error), healthPeriod time.Duration) (*sessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &sessionPool{
		sessions: make(chan session, size),
		size:     size,
		create:   create,
		done:     make(chan struct{}),
		metrics:  &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		s, err := create()
		if err != nil {
			pool.Close()
			return nil, errors.Wrapf(err, "initialize session %d", i)
		}
		pool.live++
		pool.sessions <- s
	}

	if healthPeriod > 0 {
		go pool.healthCheck(healthPeriod)
	}
	return pool, nil
}

func (p *sessionPool) Acquire() (session, error) {
	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	select {
	case s := <-p.sessions:
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return s, nil
	case <-p.done:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, errPoolClosed
	}
}

// Release returns a healthy session. Sessions released after Close are
// destroyed.
func (p *sessionPool) Release(s session) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.live--
		s.destroy()
		return
	}
	p.sessions <- s
}

// Discard destroys a session whose run failed. The health check replaces it.
func (p *sessionPool) Discard(s session, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.runFailures++
	p.metrics.mu.Unlock()

	p.recordError(cause)
	s.destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
}

func (p *sessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.done)

	for {
		select {
		case s := <-p.sessions:
			p.live--
			s.destroy()
		default:
			return
		}
	}
}

func (p *sessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions lost through Discard.
func (p *sessionPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		s, err := p.create()
		if err != nil {
			p.recordError(err)
			logger.Logger.Warnw("Session replenish failed", "error", err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			s.destroy()
			return
		}
		p.live++
		p.sessions <- s
		p.mu.Unlock()
	}
}

func (p *sessionPool) recordError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *sessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *sessionPool) Stats() PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		RunFailures:     p.metrics.runFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
