// Package network tracks connectivity and notifies observers on transitions.
package network

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/logging"
)

// Quality is a coarse hint about the current link.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
	QualityNone    Quality = "none"
)

// Status is a point-in-time connectivity reading.
type Status struct {
	Online    bool      `json:"online"`
	Quality   Quality   `json:"quality"`
	ChangedAt time.Time `json:"changedAt"`
}

// Signal is the read side of connectivity consumed by the sync coordinator.
type Signal interface {
	Status() Status
	// Subscribe registers fn for online/offline transitions and returns an
	// unsubscribe function.
	Subscribe(fn func(Status)) func()
}

// Monitor holds the current connectivity and fans out transitions.
// It starts online.
type Monitor struct {
	mu        sync.RWMutex
	status    Status
	observers map[int]func(Status)
	nextID    int
	now       func() time.Time
}

// NewMonitor creates a Monitor that assumes the network is reachable.
func NewMonitor() *Monitor {
	return &Monitor{
		status:    Status{Online: true, Quality: QualityUnknown, ChangedAt: time.Now()},
		observers: make(map[int]func(Status)),
		now:       time.Now,
	}
}

// Status returns the current reading.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports the current online flag.
func (m *Monitor) IsOnline() bool {
	return m.Status().Online
}

// SetOnline records a connectivity reading. Observers are notified only
// when the online flag actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.status.Online == online {
		m.mu.Unlock()
		return
	}
	m.status.Online = online
	m.status.ChangedAt = m.now()
	if !online {
		m.status.Quality = QualityNone
	} else if m.status.Quality == QualityNone {
		m.status.Quality = QualityUnknown
	}
	st := m.status
	fns := m.snapshotLocked()
	m.mu.Unlock()

	logging.Info("Network status changed", map[string]interface{}{
		"online":  online,
		"quality": string(st.Quality),
	})

	for _, fn := range fns {
		fn(st)
	}
}

// SetQuality updates the quality hint without notifying observers.
func (m *Monitor) SetQuality(q Quality) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Online && q != QualityNone {
		return
	}
	m.status.Quality = q
}

// Subscribe registers fn for transitions.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) snapshotLocked() []func(Status) {
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids) // registration order
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.observers[id])
	}
	return fns
}
