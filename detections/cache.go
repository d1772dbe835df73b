package detections

import (
	"sync"

	"lukechampine.com/blake3"
)

type digest [32]byte

func contentDigest(data []byte) digest {
	return blake3.Sum256(data)
}

// tensorCache holds at most one preprocessed tensor keyed by the digest of the
// bytes it came from.
type tensorCache struct {
	mu     sync.Mutex
	key    digest
	tensor *Tensor
}

// getOrCompute returns the cached tensor when key matches, otherwise runs
// compute and stores its result. The lock is held across compute so a
// concurrent call for the same image waits instead of repeating the work.
// A failed compute leaves the slot untouched.
func (c *tensorCache) getOrCompute(key digest, compute func() (*Tensor, error)) (*Tensor, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tensor != nil && c.key == key {
		return c.tensor, true, nil
	}

	t, err := compute()
	if err != nil {
		return nil, false, err
	}
	c.key = key
	c.tensor = t
	return t, false, nil
}

func (c *tensorCache) clear() {
	c.mu.Lock()
	c.tensor = nil
	c.key = digest{}
	c.mu.Unlock()
}
