// Package state tracks per-entity sync status and derives the global
// sync state shown to the user.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
)

// Status is the sync status of one entity or of the whole client.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ConnectionStatus mirrors the network monitor.
type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
)

// EntityState is the sync state of one entity.
type EntityState struct {
	EntityID          string            `json:"entityId"`
	EntityType        models.EntityType `json:"entityType"`
	Status            Status            `json:"status"`
	LastSyncAt        *time.Time        `json:"lastSyncAt,omitempty"`
	Attempts          int               `json:"attempts"`
	Error             string            `json:"error,omitempty"`
	HasPendingChanges bool              `json:"hasPendingChanges"`

	errorAt time.Time
}

func (s *EntityState) clone() EntityState {
	cp := *s
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		cp.LastSyncAt = &t
	}
	return cp
}

// GlobalState summarizes every tracked entity.
type GlobalState struct {
	Status            Status           `json:"status"`
	ConnectionStatus  ConnectionStatus `json:"connectionStatus"`
	PendingOperations int              `json:"pendingOperations"`
	LastSyncAt        *time.Time       `json:"lastSyncAt,omitempty"`
	Error             string           `json:"error,omitempty"`
	IsOffline         bool             `json:"isOffline"`
}

// Listener receives the recomputed global state.
type Listener func(GlobalState)

// Tracker holds entity sync states. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	entities  map[string]*EntityState
	online    bool
	global    GlobalState
	listeners map[int]Listener
	nextID    int
	clock     clock.Clock
}

// NewTracker creates a Tracker that starts online with nothing pending.
func NewTracker(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.New()
	}
	t := &Tracker{
		entities:  make(map[string]*EntityState),
		online:    true,
		listeners: make(map[int]Listener),
		clock:     c,
	}
	t.global = t.computeLocked()
	return t
}

func (t *Tracker) entityLocked(id string, typ models.EntityType) *EntityState {
	e, ok := t.entities[id]
	if !ok {
		e = &EntityState{EntityID: id, EntityType: typ, Status: StatusIdle}
		t.entities[id] = e
	}
	if typ != "" {
		e.EntityType = typ
	}
	return e
}

// MarkPending records a local change waiting to be written. A successful
// entity goes back to idle; error and syncing are kept.
func (t *Tracker) MarkPending(id string, typ models.EntityType) {
	t.update(func() {
		e := t.entityLocked(id, typ)
		e.HasPendingChanges = true
		if e.Status == StatusSuccess {
			e.Status = StatusIdle
		}
	})
}

// MarkSyncing records the start of a write attempt.
func (t *Tracker) MarkSyncing(id string, typ models.EntityType) {
	t.update(func() {
		e := t.entityLocked(id, typ)
		e.Status = StatusSyncing
		e.Attempts++
	})
}

// MarkSynced records a confirmed write.
func (t *Tracker) MarkSynced(id string) {
	t.update(func() {
		e := t.entityLocked(id, "")
		now := t.clock.Now()
		e.Status = StatusSuccess
		e.LastSyncAt = &now
		e.Error = ""
		e.HasPendingChanges = false
	})
}

// MarkSyncFailed records a failed write. Pending changes are kept.
func (t *Tracker) MarkSyncFailed(id string, err error) {
	msg := "sync failed"
	if err != nil {
		msg = err.Error()
	}
	t.update(func() {
		e := t.entityLocked(id, "")
		e.Status = StatusError
		e.Error = msg
		e.errorAt = t.clock.Now()
	})
	logging.Debug("Entity sync failed", map[string]interface{}{
		"entity_id": id,
		"error":     msg,
	})
}

// MarkRejected records a write the backend refused for good. The local
// change has been rolled back, so nothing is pending for the entity.
func (t *Tracker) MarkRejected(id string, err error) {
	msg := "write rejected"
	if err != nil {
		msg = err.Error()
	}
	t.update(func() {
		e := t.entityLocked(id, "")
		e.Status = StatusError
		e.Error = msg
		e.errorAt = t.clock.Now()
		e.HasPendingChanges = false
	})
}

// Rekey moves the state of a temp id to the server-assigned id.
func (t *Tracker) Rekey(oldID, newID string) {
	if oldID == newID || newID == "" {
		return
	}
	t.update(func() {
		e, ok := t.entities[oldID]
		if !ok {
			return
		}
		delete(t.entities, oldID)
		e.EntityID = newID
		t.entities[newID] = e
	})
}

// SetConnection feeds a network transition into the global state.
func (t *Tracker) SetConnection(online bool) {
	t.update(func() { t.online = online })
}

// Forget drops one entity, e.g. after the user discards a stuck change.
func (t *Tracker) Forget(id string) bool {
	removed := false
	t.update(func() {
		if _, ok := t.entities[id]; ok {
			delete(t.entities, id)
			removed = true
		}
	})
	return removed
}

// Clear drops every entity state. The connection flag is kept.
func (t *Tracker) Clear() {
	t.update(func() {
		t.entities = make(map[string]*EntityState)
	})
}

// Get returns a copy of one entity state.
func (t *Tracker) Get(id string) (EntityState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entities[id]
	if !ok {
		return EntityState{}, false
	}
	return e.clone(), true
}

// All returns copies of every entity state ordered by id.
func (t *Tracker) All() []EntityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]EntityState, 0, len(t.entities))
	for _, e := range t.entities {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Global returns the current global state.
func (t *Tracker) Global() GlobalState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.global
}

// Subscribe registers l for every recomputation and returns an
// unsubscribe function. l is called synchronously on the mutating goroutine.
func (t *Tracker) Subscribe(l Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// update applies fn, recomputes the global state and notifies listeners
// outside the lock.
func (t *Tracker) update(fn func()) {
	t.mu.Lock()
	fn()
	t.global = t.computeLocked()
	g := t.global
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, t.listeners[id])
	}
	t.mu.Unlock()

	for _, l := range ls {
		l(g)
	}
}

// computeLocked derives the global state.
// Precedence: error > syncing > idle (something pending) > success.
// With nothing tracked at all the client is idle.
func (t *Tracker) computeLocked() GlobalState {
	g := GlobalState{
		ConnectionStatus: ConnectionOnline,
		IsOffline:        !t.online,
	}
	if !t.online {
		g.ConnectionStatus = ConnectionOffline
	}

	var hasError, hasSyncing bool
	var lastErrAt time.Time
	for _, e := range t.entities {
		if e.HasPendingChanges {
			g.PendingOperations++
		}
		switch e.Status {
		case StatusError:
			hasError = true
			if g.Error == "" || e.errorAt.After(lastErrAt) {
				g.Error = e.Error
				lastErrAt = e.errorAt
			}
		case StatusSyncing:
			hasSyncing = true
		}
		if e.LastSyncAt != nil && (g.LastSyncAt == nil || e.LastSyncAt.After(*g.LastSyncAt)) {
			ts := *e.LastSyncAt
			g.LastSyncAt = &ts
		}
	}

	switch {
	case hasError:
		g.Status = StatusError
	case hasSyncing:
		g.Status = StatusSyncing
	case g.PendingOperations > 0, len(t.entities) == 0:
		g.Status = StatusIdle
	default:
		g.Status = StatusSuccess
	}
	return g
}
