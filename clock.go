package rocketdata

import "sync"

// TimeNever is the reserved zero timestamp. It is older than any issued
// timestamp, so the first real write to a holder that has never received
// data is always accepted.
const TimeNever uint64 = 0

// Clock issues the change timestamps ordering every externally visible write.
// Issuance is strictly ordered under a mutex; atomics are not enough because
// two goroutines must never observe their timestamps out of issue order.
// Each Manager owns its own Clock, so independent engines never contaminate
// each other.
type Clock struct {
	mu   sync.Mutex
	last uint64
}

// Next issues a fresh timestamp, strictly greater than every previous one.
// The first issued value is 1.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	c.last++
	t := c.last
	c.mu.Unlock()
	return t
}

// Last returns the most recently issued timestamp, or TimeNever if none was
// issued yet.
func (c *Clock) Last() uint64 {
	c.mu.Lock()
	t := c.last
	c.mu.Unlock()
	return t
}
