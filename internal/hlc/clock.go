// Package hlc implements the hybrid logical clock that totally orders
// events across peers.
//
// A timestamp is a (wall millisecond, counter) pair. Local appends take
// the wall clock when it moved forward and bump the counter otherwise;
// receiving a remote timestamp merges it so the local clock always ends
// strictly ahead of everything it has seen. Ties between truly
// concurrent events are broken by peer id, giving every replica the
// same replay order with no coordinator.
package hlc

import (
	"strings"
	"sync"
	"time"
)

// NowFunc supplies the wall clock in unix milliseconds. Injectable so
// tests can drive time deterministically.
type NowFunc func() uint64

// SystemNow is the production wall clock.
func SystemNow() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Clock is a hybrid logical clock for one peer.
//
// Thread-safety: all methods are safe for concurrent use, although the
// engine's one-operation-in-flight discipline means calls are in
// practice serialized.
type Clock struct {
	mu      sync.Mutex
	now     NowFunc
	time    uint64
	counter uint32
}

// New creates a clock seeded at (now, 0). A nil now func selects the
// system clock.
func New(now NowFunc) *Clock {
	if now == nil {
		now = SystemNow
	}
	return &Clock{now: now, time: now()}
}

// NewAt creates a clock restored to a specific state. Tests use it to
// start from a chosen (time, counter).
func NewAt(now NowFunc, t uint64, counter uint32) *Clock {
	if now == nil {
		now = SystemNow
	}
	return &Clock{now: now, time: t, counter: counter}
}

// Advance produces the timestamp for a local append.
//
// If the wall clock moved past the stored time the counter resets;
// otherwise the counter increments under the stored time. Either way
// the result is strictly greater than every timestamp produced before.
func (c *Clock) Advance() (uint64, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now > c.time {
		c.time = now
		c.counter = 0
	} else {
		c.counter++
	}
	return c.time, c.counter
}

// Update merges a remote timestamp observed during sync.
//
// The new state is strictly greater than both the prior local state and
// (rt, rc): the wall component becomes max(local, remote, now) and the
// counter advances past whichever inputs share that wall time.
func (c *Clock) Update(rt uint64, rc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	m := c.time
	if rt > m {
		m = rt
	}
	if now > m {
		m = now
	}

	switch {
	case m == c.time && m == rt:
		if rc > c.counter {
			c.counter = rc
		}
		c.counter++
	case m == c.time:
		c.counter++
	case m == rt:
		c.time = rt
		c.counter = rc + 1
	default:
		// Wall clock alone is ahead of both sides.
		c.time = m
		c.counter = 0
	}
}

// State returns the current (time, counter) without advancing.
func (c *Clock) State() (uint64, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time, c.counter
}

// Compare orders two stamped events lexicographically on
// (time, counter, peer). Peer ids break ties only between events with
// identical clock components; the comparison is byte-wise, not
// locale-aware, so every replica agrees on the order.
func Compare(aTime uint64, aCounter uint32, aPeer string, bTime uint64, bCounter uint32, bPeer string) int {
	if aTime != bTime {
		if aTime < bTime {
			return -1
		}
		return 1
	}
	if aCounter != bCounter {
		if aCounter < bCounter {
			return -1
		}
		return 1
	}
	return strings.Compare(aPeer, bPeer)
}
