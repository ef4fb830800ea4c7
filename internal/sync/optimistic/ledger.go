// Package optimistic keeps the ledger of local changes shown to the user
// before the remote write is confirmed.
package optimistic

import (
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
)

// Update is one optimistic change.
type Update[T any] struct {
	TempID     string
	EntityType models.EntityType
	EntityID   string
	Data       T
	// Rollback restores the local view. May be nil.
	Rollback  func()
	CreatedAt time.Time
}

// Listener receives the full ledger after every add or remove.
type Listener[T any] func([]Update[T])

// Ledger records optimistic updates keyed by temp id, in insertion order.
// It is safe for concurrent use.
type Ledger[T any] struct {
	mu        sync.Mutex
	order     []string
	updates   map[string]Update[T]
	listeners map[int]Listener[T]
	nextID    int
	clock     clock.Clock
}

// NewLedger creates an empty ledger. A nil clock uses the system clock.
func NewLedger[T any](clk clock.Clock) *Ledger[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Ledger[T]{
		updates:   make(map[string]Update[T]),
		listeners: make(map[int]Listener[T]),
		clock:     clk,
	}
}

// Add records u. A temp id may only be present once.
func (l *Ledger[T]) Add(u Update[T]) error {
	if u.TempID == "" {
		return apperrors.New(apperrors.ErrValidation, "optimistic update requires a temp id")
	}

	l.mu.Lock()
	if _, exists := l.updates[u.TempID]; exists {
		l.mu.Unlock()
		return apperrors.New(apperrors.ErrDuplicate, fmt.Sprintf("optimistic update %s already recorded", u.TempID))
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.clock.Now()
	}
	l.updates[u.TempID] = u
	l.order = append(l.order, u.TempID)
	snap, ls := l.snapshotLocked()
	l.mu.Unlock()

	notify(ls, snap)
	return nil
}

// Remove drops an entry without rolling it back. It reports whether the
// entry existed; removing an unknown id notifies nobody.
func (l *Ledger[T]) Remove(tempID string) bool {
	_, ok := l.take(tempID)
	return ok
}

// Rollback removes an entry and then runs its rollback callback.
func (l *Ledger[T]) Rollback(tempID string) bool {
	u, ok := l.take(tempID)
	if !ok {
		return false
	}
	if u.Rollback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Optimistic rollback panicked", fmt.Errorf("%v", r), map[string]interface{}{
						"temp_id": tempID,
					})
				}
			}()
			u.Rollback()
		}()
	}
	logging.Debug("Optimistic update rolled back", map[string]interface{}{
		"temp_id":   tempID,
		"entity_id": u.EntityID,
	})
	return true
}

func (l *Ledger[T]) take(tempID string) (Update[T], bool) {
	l.mu.Lock()
	u, ok := l.updates[tempID]
	if !ok {
		l.mu.Unlock()
		return u, false
	}
	delete(l.updates, tempID)
	for i, id := range l.order {
		if id == tempID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	snap, ls := l.snapshotLocked()
	l.mu.Unlock()

	notify(ls, snap)
	return u, true
}

// Get returns one entry.
func (l *Ledger[T]) Get(tempID string) (Update[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.updates[tempID]
	return u, ok
}

// FindByEntity returns the newest entry for an entity id.
func (l *Ledger[T]) FindByEntity(entityID string) (Update[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.order) - 1; i >= 0; i-- {
		u := l.updates[l.order[i]]
		if u.EntityID == entityID || u.TempID == entityID {
			return u, true
		}
	}
	return Update[T]{}, false
}

// All returns every entry in insertion order.
func (l *Ledger[T]) All() []Update[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, _ := l.snapshotLocked()
	return snap
}

// Len returns the number of entries.
func (l *Ledger[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Clear drops every entry without rolling anything back.
func (l *Ledger[T]) Clear() {
	l.mu.Lock()
	if len(l.order) == 0 {
		l.mu.Unlock()
		return
	}
	l.updates = make(map[string]Update[T])
	l.order = nil
	snap, ls := l.snapshotLocked()
	l.mu.Unlock()

	notify(ls, snap)
}

// Subscribe registers fn and returns an unsubscribe function.
func (l *Ledger[T]) Subscribe(fn Listener[T]) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *Ledger[T]) snapshotLocked() ([]Update[T], []Listener[T]) {
	snap := make([]Update[T], 0, len(l.order))
	for _, id := range l.order {
		snap = append(snap, l.updates[id])
	}
	ls := make([]Listener[T], 0, len(l.listeners))
	for i := 0; i < l.nextID; i++ {
		if fn, ok := l.listeners[i]; ok {
			ls = append(ls, fn)
		}
	}
	return snap, ls
}

func notify[T any](ls []Listener[T], snap []Update[T]) {
	for _, fn := range ls {
		fn(snap)
	}
}
