package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/sync/state"
)

// EventType names a coordinator notification.
type EventType string

const (
	EventOperationQueued    EventType = "operation.queued"
	EventOperationSucceeded EventType = "operation.succeeded"
	EventOperationFailed    EventType = "operation.failed"
	EventConflictDetected   EventType = "conflict.detected"
	EventConflictResolved   EventType = "conflict.resolved"
	EventStatusChanged      EventType = "status.changed"
	EventNetworkOnline      EventType = "network.online"
	EventNetworkOffline     EventType = "network.offline"
)

// Event is published to subscribers for presentation layers.
// Only the fields relevant to Type are set.
type Event struct {
	Type       EventType          `json:"type"`
	Time       time.Time          `json:"time"`
	ItemID     string             `json:"itemId,omitempty"`
	TempID     string             `json:"tempId,omitempty"`
	EntityType models.EntityType  `json:"entityType,omitempty"`
	EntityID   string             `json:"entityId,omitempty"`
	Operation  models.Operation   `json:"operation,omitempty"`
	Record     models.Record      `json:"record,omitempty"`
	ConflictID string             `json:"conflictId,omitempty"`
	Fields     []string           `json:"fields,omitempty"`
	Strategy   string             `json:"strategy,omitempty"`
	Winner     string             `json:"winner,omitempty"`
	Error      string             `json:"error,omitempty"`
	Exhausted  bool               `json:"exhausted,omitempty"`
	Global     *state.GlobalState `json:"global,omitempty"`
}

// emitter fans events out to subscribers. Subscriber panics are recovered.
type emitter struct {
	mu        sync.Mutex
	listeners map[int]func(Event)
	nextID    int
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[int]func(Event))}
}

func (e *emitter) subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Event subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{
						"event": string(ev.Type),
					})
				}
			}()
			fn(ev)
		}()
	}
}
