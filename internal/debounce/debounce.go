// Package debounce coalesces bursts of triggers into a single action.
package debounce

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Coalescer runs fn once after wait has elapsed with no further Trigger
// calls. Each Trigger pushes the deadline out again.
type Coalescer struct {
	clock clock.Clock
	wait  time.Duration
	fn    func()

	mu    sync.Mutex
	timer *clock.Timer
	seq   uint64
}

// New builds a coalescer. A nil clock uses wall time.
func New(clk clock.Clock, wait time.Duration, fn func()) *Coalescer {
	if clk == nil {
		clk = clock.New()
	}
	return &Coalescer{clock: clk, wait: wait, fn: fn}
}

// Trigger marks a publish as pending and resets the deadline.
func (c *Coalescer) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.seq++
	seq := c.seq
	c.timer = c.clock.AfterFunc(c.wait, func() { c.fire(seq) })
}

// Cancel drops any pending action without running it.
func (c *Coalescer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.seq++
}

// Pending reports whether an action is waiting for its deadline.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Coalescer) fire(seq uint64) {
	c.mu.Lock()
	// a newer Trigger or a Cancel superseded this timer
	if seq != c.seq || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.fn()
}
