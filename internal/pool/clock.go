package pool

import (
	"sync/atomic"
	"time"
)

// Clock supplies the block timestamp used for oracle observations.
// Timestamps are seconds truncated to 32 bits and may wrap.
type Clock interface {
	Now() uint32
}

// SystemClock reads wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() uint32 {
	return uint32(time.Now().Unix())
}

// ManualClock is a clock the host advances explicitly, for example to the
// timestamp of the block being replayed.
type ManualClock struct {
	now atomic.Uint32
}

// NewManualClock returns a clock set to t.
func NewManualClock(t uint32) *ManualClock {
	c := &ManualClock{}
	c.now.Store(t)
	return c
}

func (c *ManualClock) Now() uint32 {
	return c.now.Load()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t uint32) {
	c.now.Store(t)
}

// Advance moves the clock forward by seconds.
func (c *ManualClock) Advance(seconds uint32) {
	c.now.Add(seconds)
}
