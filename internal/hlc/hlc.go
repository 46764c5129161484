// Package hlc implements the Hybrid Logical Clock used to totally order
// events produced by independent, never-communicating peers.
//
// The clock is a tiny state machine: a wall-clock millisecond reading paired
// with a tie-breaking counter. It is deliberately free of any locking — the
// caller (pkg/replistate.Engine) already serializes every mutation behind its
// own critical section, so adding a mutex here would only buy us a second
// lock for the same invariant.
//
// © 2025 replistate authors. MIT License.
package hlc

import "time"

// Clock holds the local HLC state. The zero value is not usable; construct
// with New.
type Clock struct {
	timeMS  uint64
	counter uint32
}

// nowFunc is overridable in tests so Advance/Update are deterministic.
var nowFunc = func() uint64 { return uint64(time.Now().UnixMilli()) }

// New constructs a Clock seeded at the current wall-clock time with a zero
// counter.
func New() *Clock {
	return &Clock{timeMS: nowFunc(), counter: 0}
}

// Time returns the clock's current (time, counter) pair without mutating it.
func (c *Clock) Time() (uint64, uint32) {
	return c.timeMS, c.counter
}

// Advance is called on every local append. It returns the stamp to use for
// the new event.
func (c *Clock) Advance() (uint64, uint32) {
	now := nowFunc()
	if now > c.timeMS {
		c.timeMS = now
		c.counter = 0
	} else {
		c.counter++
	}
	return c.timeMS, c.counter
}

// Update folds a remote event's stamp into the local clock. The
// postcondition is that the resulting (time, counter) strictly exceeds both
// the prior local state and (remoteTime, remoteCounter) under Compare.
func (c *Clock) Update(remoteTime uint64, remoteCounter uint32) {
	now := nowFunc()
	m := max3(c.timeMS, remoteTime, now)

	switch {
	case m == c.timeMS && m == remoteTime:
		if c.counter >= remoteCounter {
			c.counter = c.counter + 1
		} else {
			c.counter = remoteCounter + 1
		}
	case m == remoteTime:
		c.timeMS = remoteTime
		c.counter = remoteCounter + 1
	case m == c.timeMS:
		c.counter++
	default:
		c.timeMS = m
		c.counter = 0
	}
}

func max3(a, b, c uint64) uint64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

// Compare implements the total order over (time, counter, peer):
// lexicographic on time, then counter, then a deterministic
// byte-lexicographic comparison of peer ids to break genuinely concurrent
// ties. It is the sole comparator used for replay ordering.
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
	if aPeer == bPeer {
		return 0
	}
	if aPeer < bPeer {
		return -1
	}
	return 1
}
