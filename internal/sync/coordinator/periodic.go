package coordinator

import (
	"github.com/kimhsiao/chatsync/backend/internal/logging"
)

// StartPeriodicSync (re)starts the periodic drain. Any running timer is
// stopped first, so at most one is ever scheduled.
func (c *Coordinator) StartPeriodicSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopPeriodicLocked()
	c.tick++
	c.scheduleLocked(c.tick)

	logging.Debug("Periodic sync started", map[string]interface{}{
		"interval_ms": c.interval.Milliseconds(),
	})
}

// StopPeriodicSync cancels the periodic drain.
func (c *Coordinator) StopPeriodicSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPeriodicLocked()
}

// PeriodicSyncRunning reports whether a periodic drain is scheduled.
func (c *Coordinator) PeriodicSyncRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.periodic != nil
}

func (c *Coordinator) stopPeriodicLocked() {
	if c.periodic != nil {
		c.periodic.Stop()
		c.periodic = nil
	}
	c.tick++
}

func (c *Coordinator) scheduleLocked(tick uint64) {
	c.periodic = c.clock.AfterFunc(c.interval, func() { c.onPeriodicTick(tick) })
}

func (c *Coordinator) onPeriodicTick(tick uint64) {
	c.mu.Lock()
	if c.closed || tick != c.tick {
		c.mu.Unlock()
		return
	}
	c.scheduleLocked(tick)
	c.mu.Unlock()

	if c.isOnline() {
		c.kick()
	}
}
