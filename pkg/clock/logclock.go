package clock

import (
	"sync/atomic"

	"tscluster/pkg/types"
)

// LogClock tracks the highest log index applied by one stream.
type LogClock struct {
	v atomic.Uint64
}

func NewLogClock(init types.LogIndex) *LogClock {
	var c LogClock
	c.Set(init)
	return &c
}

func (c *LogClock) Val() types.LogIndex {
	return types.LogIndex(c.v.Load())
}

func (c *LogClock) Set(idx types.LogIndex) {
	c.v.Store(uint64(idx))
}

// Advance moves the clock forward to idx. It reports false and leaves the
// clock untouched when idx is not beyond the current value.
func (c *LogClock) Advance(idx types.LogIndex) bool {
	for {
		cur := c.v.Load()
		if uint64(idx) <= cur {
			return false
		}
		if c.v.CompareAndSwap(cur, uint64(idx)) {
			return true
		}
	}
}

// Seen reports whether idx is at or below the clock.
func (c *LogClock) Seen(idx types.LogIndex) bool {
	return uint64(idx) <= c.v.Load()
}
