package coordinator

import (
	"github.com/kimhsiao/chatsync/backend/internal/network"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
	"github.com/kimhsiao/chatsync/backend/internal/sync/state"
)

// Status is a snapshot of the whole engine.
type Status struct {
	Online          bool              `json:"online"`
	Quality         network.Quality   `json:"quality"`
	Queue           queue.Stats       `json:"queue"`
	Global          state.GlobalState `json:"global"`
	Optimistic      int               `json:"optimistic"`
	ActiveConflicts int               `json:"activeConflicts"`
	FailedItems     int               `json:"failedItems"`
	PeriodicSync    bool              `json:"periodicSync"`
}

// Status returns the current engine snapshot.
func (c *Coordinator) Status() Status {
	ns := c.network.Status()

	c.mu.Lock()
	failed := 0
	for _, ops := range c.failed {
		failed += len(ops)
	}
	periodic := c.periodic != nil
	c.mu.Unlock()

	return Status{
		Online:          ns.Online,
		Quality:         ns.Quality,
		Queue:           c.queue.Stats(),
		Global:          c.tracker.Global(),
		Optimistic:      c.ledger.Len(),
		ActiveConflicts: c.resolver.ActiveCount(),
		FailedItems:     failed,
		PeriodicSync:    periodic,
	}
}
