package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/chatsync/backend/internal/network"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
	"github.com/kimhsiao/chatsync/backend/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func inline(f func()) { f() }

func noJitter() float64 { return 0 }

func strPtr(s string) *string { return &s }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// sequence returns event types in order, without status changes.
func (l *eventLog) sequence() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventType
	for _, e := range l.events {
		if e.Type != EventStatusChanged {
			out = append(out, e.Type)
		}
	}
	return out
}

type harness struct {
	c       *Coordinator
	backend *remote.Memory
	net     *network.Monitor
	clk     *testutil.FakeClock
	store   *storage.Memory
	events  *eventLog
}

type harnessConfig struct {
	offline bool
	store   *storage.Memory
	backend *remote.Memory
	clk     *testutil.FakeClock
	opts    []Option
}

func newHarness(t *testing.T, opts ...Option) *harness {
	return newHarnessWith(t, harnessConfig{opts: opts})
}

func newHarnessWith(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	clk := cfg.clk
	if clk == nil {
		clk = testutil.NewFakeClock(epoch)
	}
	backend := cfg.backend
	if backend == nil {
		backend = remote.NewMemory(remote.WithMemoryClock(clk))
	}
	store := cfg.store
	if store == nil {
		store = storage.NewMemory()
	}
	mon := network.NewMonitor()
	if cfg.offline {
		mon.SetOnline(false)
	}

	opts := append([]Option{WithExecutor(inline), WithJitter(noJitter)}, cfg.opts...)
	c := New(Deps{Remote: backend, Network: mon, Store: store, Clock: clk}, opts...)

	log := &eventLog{}
	c.Subscribe(log.add)

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &harness{c: c, backend: backend, net: mon, clk: clk, store: store, events: log}
}
