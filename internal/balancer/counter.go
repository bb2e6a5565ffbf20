package balancer

import "sync/atomic"

// ConnectionCounter is a per-destination active-request gauge. It is
// never negative: Dec uses a compare-and-swap loop that clamps at
// zero rather than producing a negative value, avoiding the latent
// bug a naive decrement-without-floor would introduce under races.
type ConnectionCounter struct {
	n atomic.Int64
}

// Inc atomically increments the counter and returns the new value.
func (c *ConnectionCounter) Inc() int64 {
	return c.n.Add(1)
}

// Dec atomically decrements the counter, clamped at zero.
func (c *ConnectionCounter) Dec() {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Load returns the current value.
func (c *ConnectionCounter) Load() int64 {
	return c.n.Load()
}
