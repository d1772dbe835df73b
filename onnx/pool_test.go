package onnx

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	runFn     func([]float32) ([]float32, error)
	destroyed atomic.Bool
}

func (s *fakeSession) run(in []float32) ([]float32, error) { return s.runFn(in) }

func (s *fakeSession) destroy() { s.destroyed.Store(true) }

func countingFactory(created *[]*fakeSession, mu *sync.Mutex) func() (session, error) {
	return func() (session, error) {
		s := &fakeSession{}
		mu.Lock()
		*created = append(*created, s)
		mu.Unlock()
		return s, nil
	}
}

func TestSessionPoolAcquireRelease(t *testing.T) {
	var created []*fakeSession
	var mu sync.Mutex
	pool, err := newSessionPool(2, countingFactory(&created, &mu), 0)
	require.NoError(t, err)
	defer pool.Close()

	a, err := pool.Acquire()
	require.NoError(t, err)
	b, err := pool.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, pool.Stats().InUse)

	acquired := make(chan session)
	go func() {
		s, _ := pool.Acquire()
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while every session is in use")
	case <-time.After(20 * time.Millisecond):
	}

	pool.Release(a)
	assert.Same(t, a, <-acquired)

	pool.Release(b)
	stats := pool.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(3), stats.TotalAcquired)
	assert.Equal(t, int64(2), stats.TotalReleased)
}

func TestSessionPoolDefaultSize(t *testing.T) {
	var created []*fakeSession
	var mu sync.Mutex
	pool, err := newSessionPool(0, countingFactory(&created, &mu), 0)
	require.NoError(t, err)
	defer pool.Close()
	assert.Len(t, created, DefaultPoolSize)
}

func TestSessionPoolCreateFailureCleansUp(t *testing.T) {
	var created []*fakeSession
	n := 0
	_, err := newSessionPool(3, func() (session, error) {
		n++
		if n == 3 {
			return nil, errors.New("no memory")
		}
		s := &fakeSession{}
		created = append(created, s)
		return s, nil
	}, 0)
	require.Error(t, err)
	require.Len(t, created, 2)
	for _, s := range created {
		assert.True(t, s.destroyed.Load())
	}
}

func TestSessionPoolCloseUnblocksAcquire(t *testing.T) {
	var created []*fakeSession
	var mu sync.Mutex
	pool, err := newSessionPool(1, countingFactory(&created, &mu), 0)
	require.NoError(t, err)

	held, err := pool.Acquire()
	require.NoError(t, err)

	errc := make(chan error)
	go func() {
		_, err := pool.Acquire()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	pool.Close()

	assert.ErrorIs(t, <-errc, errPoolClosed)
	assert.False(t, created[0].destroyed.Load())

	pool.Release(held)
	assert.True(t, created[0].destroyed.Load())
	assert.Zero(t, pool.Stats().Live)
	pool.Close()
}

func TestSessionPoolDiscardAndReplenish(t *testing.T) {
	var created []*fakeSession
	var mu sync.Mutex
	pool, err := newSessionPool(2, countingFactory(&created, &mu), 0)
	require.NoError(t, err)
	defer pool.Close()

	s, err := pool.Acquire()
	require.NoError(t, err)
	pool.Discard(s, errors.New("run failed"))

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, int64(1), stats.RunFailures)
	assert.Len(t, pool.LastErrors(), 1)

	pool.replenish()
	assert.Equal(t, 2, pool.Stats().Live)
	mu.Lock()
	assert.Len(t, created, 3)
	mu.Unlock()
}

func TestSessionPoolRecordErrorKeepsRecent(t *testing.T) {
	pool := &sessionPool{metrics: &poolMetrics{}}
	for i := 0; i < maxRecordedErrors+5; i++ {
		pool.recordError(errors.Newf("error %d", i))
	}
	pool.recordError(nil)

	errs := pool.LastErrors()
	require.Len(t, errs, maxRecordedErrors)
	assert.EqualError(t, errs[0], "error 5")
}
