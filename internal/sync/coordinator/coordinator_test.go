package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/network"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
	"github.com/kimhsiao/chatsync/backend/internal/sync/state"
	"github.com/kimhsiao/chatsync/backend/internal/testutil"
)

func renameOp(chatID, title string) Operation {
	return Operation{
		Operation:  models.OperationUpdate,
		EntityType: models.EntityChat,
		EntityID:   chatID,
		Payload:    models.UpdateChat{Title: strPtr(title)},
	}
}

// =====================================================
// Queue / Network Scenarios
// =====================================================

// TestOfflineToOnlineDrain verifies a change queued offline is written as
// soon as the network comes back.
func TestOfflineToOnlineDrain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})

	h.net.SetOnline(false)
	itemID, err := h.c.QueueOperation(ctx, renameOp("chat-1", "New"))
	require.NoError(t, err)
	require.NotEmpty(t, itemID)

	e, ok := h.c.Tracker().Get("chat-1")
	require.True(t, ok)
	assert.True(t, e.HasPendingChanges)
	assert.True(t, h.c.Tracker().Global().IsOffline)
	assert.Equal(t, 1, h.c.Queue().Len())
	assert.Zero(t, h.backend.Writes())

	h.net.SetOnline(true)

	assert.Zero(t, h.c.Queue().Len())
	e, _ = h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusSuccess, e.Status)
	assert.False(t, e.HasPendingChanges)

	rec, ok := h.backend.Get(models.EntityChat, "chat-1")
	require.True(t, ok)
	assert.Equal(t, "New", rec["title"])

	assert.Equal(t, []EventType{
		EventNetworkOffline,
		EventOperationQueued,
		EventNetworkOnline,
		EventOperationSucceeded,
	}, h.events.sequence())
}

// TestProcessQueue_OfflineIsNoOp verifies no drain runs without a network.
func TestProcessQueue_OfflineIsNoOp(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})

	_, err := h.c.QueueOperation(context.Background(), renameOp("chat-1", "x"))
	require.NoError(t, err)

	assert.False(t, h.c.ProcessQueue(context.Background()))
	assert.Equal(t, 1, h.c.Queue().Len())
	assert.Zero(t, h.backend.Writes())
}

// TestDrain_CriticalBeforeNormal verifies priority order across entities.
func TestDrain_CriticalBeforeNormal(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})
	ctx := context.Background()
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})

	_, err := h.c.RenameChat(ctx, "chat-1", "Renamed")
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	_, err = h.c.SendMessage(ctx, "chat-1", "hello")
	require.NoError(t, err)

	h.net.SetOnline(true)

	changes := h.backend.ChangeLog()
	require.Len(t, changes, 2)
	assert.Equal(t, models.EntityMessage, changes[0].EntityType)
	assert.Equal(t, models.EntityChat, changes[1].EntityType)
}

// TestDrain_TempIDsResolveAfterCreate verifies a message sent to a chat that
// is still being created waits for the chat and then uses its server id.
func TestDrain_TempIDsResolveAfterCreate(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})
	ctx := context.Background()

	chat, err := h.c.CreateChat(ctx, "Trip", "gpt")
	require.NoError(t, err)
	require.True(t, chat.Queued)
	msg, err := h.c.SendMessage(ctx, chat.TempID, "first!")
	require.NoError(t, err)
	require.True(t, msg.Queued)

	h.net.SetOnline(true)

	// The chat is created; the message waits one critical backoff.
	chats := h.backend.List(models.EntityChat)
	require.Len(t, chats, 1)
	chatID := chats[0]["id"].(string)
	assert.Empty(t, h.backend.List(models.EntityMessage))
	assert.Equal(t, 1, h.c.Queue().Len())

	h.clk.Advance(time.Second)

	msgs := h.backend.List(models.EntityMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, chatID, msgs[0]["chatId"])
	assert.Zero(t, h.c.Queue().Len())
	assert.Zero(t, h.c.Ledger().Len())

	e, ok := h.c.Tracker().Get(chatID)
	require.True(t, ok)
	assert.Equal(t, state.StatusSuccess, e.Status)
	_, ok = h.c.Tracker().Get(chat.TempID)
	assert.False(t, ok)
}

// TestDrain_UpdateOfUnconfirmedCreate verifies updates to a temp id are
// rewritten to the server id.
func TestDrain_UpdateOfUnconfirmedCreate(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})
	ctx := context.Background()

	chat, err := h.c.CreateChat(ctx, "Draft", "")
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	_, err = h.c.RenameChat(ctx, chat.TempID, "Final")
	require.NoError(t, err)

	h.net.SetOnline(true)

	chats := h.backend.List(models.EntityChat)
	require.Len(t, chats, 1)
	assert.Equal(t, "Final", chats[0]["title"])
	assert.Equal(t, float64(2), chats[0]["version"])
	assert.Zero(t, h.c.Queue().Len())
}

// TestProcess_ExhaustionKeepsErrorState verifies a stuck change stays visible
// and can be retried by the user.
func TestProcess_ExhaustionKeepsErrorState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})
	h.backend.SetOnline(false)

	_, err := h.c.QueueOperation(ctx, renameOp("chat-1", "New"))
	require.NoError(t, err)

	for i := 0; i < 20 && h.c.Queue().Len() > 0; i++ {
		h.clk.FireNext()
	}
	require.Zero(t, h.c.Queue().Len())
	assert.Equal(t, 5, h.backend.Writes())

	e, _ := h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusError, e.Status)
	assert.True(t, e.HasPendingChanges)
	assert.Equal(t, state.StatusError, h.c.Tracker().Global().Status)

	assert.Equal(t, 1, h.events.count(EventOperationFailed))
	failed, _ := h.events.last(EventOperationFailed)
	assert.True(t, failed.Exhausted)
	require.Len(t, h.c.FailedItems()["chat-1"], 1)
	assert.Equal(t, 1, h.c.Status().FailedItems)

	// Nothing retries on its own
	h.backend.SetOnline(true)
	h.clk.Advance(time.Minute)
	e, _ = h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusError, e.Status)

	n, err := h.c.RetryFailed(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, _ = h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusSuccess, e.Status)
	assert.Empty(t, h.c.FailedItems())

	_, err = h.c.RetryFailed(ctx, "chat-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestDiscardFailed verifies discarding rolls back and forgets the entity.
func TestDiscardFailed(t *testing.T) {
	h := newHarness(t, WithRetryPolicies(map[models.Priority]queue.RetryPolicy{
		models.PriorityNormal: {MaxRetries: 1, BaseDelay: time.Second},
	}))
	ctx := context.Background()
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})
	h.backend.SetOnline(false)

	rolled := false
	res, err := h.c.RenameChat(ctx, "chat-1", "New", WithRollback(func() { rolled = true }))
	require.NoError(t, err)
	assert.True(t, res.Queued)

	// The failed direct write waits for the periodic pass.
	h.clk.Advance(DefaultPeriodicInterval)
	require.Zero(t, h.c.Queue().Len())
	assert.False(t, rolled)
	assert.Equal(t, 1, h.c.Ledger().Len())

	assert.Equal(t, 1, h.c.DiscardFailed("chat-1"))
	assert.True(t, rolled)
	assert.Zero(t, h.c.Ledger().Len())
	_, ok := h.c.Tracker().Get("chat-1")
	assert.False(t, ok)
	assert.Zero(t, h.c.DiscardFailed("chat-1"))
}

// TestPeriodicSync_SingleTimer verifies restarting never stacks timers.
func TestPeriodicSync_SingleTimer(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, []time.Duration{DefaultPeriodicInterval}, h.clk.Pending())

	h.clk.Advance(10 * time.Second)
	h.c.StartPeriodicSync()
	h.c.StartPeriodicSync()
	assert.Equal(t, []time.Duration{DefaultPeriodicInterval}, h.clk.Pending())
	assert.True(t, h.c.PeriodicSyncRunning())

	h.c.StopPeriodicSync()
	assert.Empty(t, h.clk.Pending())
	assert.False(t, h.c.PeriodicSyncRunning())

	h.net.SetOnline(false)
	h.net.SetOnline(true)
	assert.Equal(t, []time.Duration{DefaultPeriodicInterval}, h.clk.Pending())
	h.net.SetOnline(false)
	assert.Empty(t, h.clk.Pending())
}

// TestPeriodicSync_Reschedules verifies the timer keeps running after a tick.
func TestPeriodicSync_Reschedules(t *testing.T) {
	h := newHarness(t, WithPeriodicInterval(5*time.Second))

	h.clk.Advance(5 * time.Second)
	h.clk.Advance(5 * time.Second)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.clk.Pending())
}

// TestStart_RestoresPersistedQueue verifies a new session drains what the
// previous one left behind.
func TestStart_RestoresPersistedQueue(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	store := storage.NewMemory()
	backend := remote.NewMemory(remote.WithMemoryClock(clk))
	backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})

	first := newHarnessWith(t, harnessConfig{offline: true, store: store, backend: backend, clk: clk})
	_, err := first.c.QueueOperation(context.Background(), renameOp("chat-1", "New"))
	require.NoError(t, err)
	first.c.Close()

	mon := network.NewMonitor()
	second := New(Deps{Remote: backend, Network: mon, Store: store, Clock: clk}, WithExecutor(inline))
	defer second.Close()

	n, err := second.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Zero(t, second.Queue().Len())
	rec, _ := backend.Get(models.EntityChat, "chat-1")
	assert.Equal(t, "New", rec["title"])
}

// TestClear verifies logout wipes everything and refuses mid-drain.
func TestClear(t *testing.T) {
	var c *Coordinator
	var clearErr error
	writer := remote.WriterFunc(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		clearErr = c.Clear(ctx)
		return &remote.Response{EntityID: req.EntityID, Version: 2}, nil
	})

	c = New(Deps{Remote: writer, Clock: testutil.NewFakeClock(epoch)}, WithExecutor(inline))
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.QueueOperation(context.Background(), renameOp("chat-1", "x"))
	require.NoError(t, err)
	require.Error(t, clearErr)
	assert.True(t, apperrors.Is(clearErr, apperrors.ErrSyncBusy))

	require.NoError(t, c.Clear(context.Background()))
	assert.Zero(t, c.Queue().Len())
	assert.Empty(t, c.Tracker().All())
	assert.Zero(t, c.Ledger().Len())
	assert.Equal(t, state.StatusIdle, c.Tracker().Global().Status)
}

// TestClear_RefusesDuringRetryAttempt verifies a retry fired by its timer
// outside any drain pass still blocks Clear.
func TestClear_RefusesDuringRetryAttempt(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	var c *Coordinator
	var clearErr error
	calls := 0
	writer := remote.WriterFunc(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		calls++
		if calls == 1 {
			return nil, apperrors.New(apperrors.ErrNetwork, "connection reset")
		}
		if c.Queue().IsProcessing() {
			t.Error("retry expected outside a drain pass")
		}
		clearErr = c.Clear(ctx)
		return &remote.Response{EntityID: req.EntityID, Version: 2}, nil
	})

	c = New(Deps{Remote: writer, Clock: clk}, WithExecutor(inline), WithJitter(noJitter))
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.QueueOperation(context.Background(), renameOp("chat-1", "x"))
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	clk.Advance(5 * time.Second)
	require.Equal(t, 2, calls)
	require.Error(t, clearErr)
	assert.True(t, apperrors.Is(clearErr, apperrors.ErrSyncBusy))

	e, ok := c.Tracker().Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, state.StatusSuccess, e.Status)
	assert.Zero(t, c.Queue().Len())
}

// TestClear_RefusesDuringDirectWrite verifies an online mutation in flight
// blocks Clear.
func TestClear_RefusesDuringDirectWrite(t *testing.T) {
	var c *Coordinator
	var clearErr error
	writer := remote.WriterFunc(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		clearErr = c.Clear(ctx)
		return &remote.Response{EntityID: req.EntityID, Version: 2}, nil
	})

	c = New(Deps{Remote: writer, Clock: testutil.NewFakeClock(epoch)}, WithExecutor(inline))
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.RenameChat(context.Background(), "chat-1", "x")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	require.Error(t, clearErr)
	assert.True(t, apperrors.Is(clearErr, apperrors.ErrSyncBusy))

	require.NoError(t, c.Clear(context.Background()))
	assert.Empty(t, c.Tracker().All())
}

// TestStatus verifies the combined snapshot.
func TestStatus(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})
	ctx := context.Background()

	_, err := h.c.SendMessage(ctx, "chat-1", "a")
	require.NoError(t, err)
	_, err = h.c.RenameChat(ctx, "chat-1", "b")
	require.NoError(t, err)
	h.clk.Advance(time.Minute)

	st := h.c.Status()
	assert.False(t, st.Online)
	assert.Equal(t, 2, st.Queue.Total)
	assert.Equal(t, 1, st.Queue.ByPriority[models.PriorityCritical])
	assert.Equal(t, 1, st.Queue.ByPriority[models.PriorityNormal])
	assert.Equal(t, time.Minute, st.Queue.OldestAge)
	assert.True(t, st.Global.IsOffline)
	assert.Equal(t, 2, st.Global.PendingOperations)
	assert.Equal(t, 2, st.Optimistic)
	assert.False(t, st.PeriodicSync)
}

// TestSubscribe_PanicIsRecovered verifies a broken subscriber cannot stop sync.
func TestSubscribe_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	unsub := h.c.Subscribe(func(Event) { panic("boom") })
	defer unsub()

	res, err := h.c.CreateChat(context.Background(), "Trip", "")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, 1, h.events.count(EventOperationSucceeded))
}

// TestNoNetworkSignal verifies the engine assumes it is online.
func TestNoNetworkSignal(t *testing.T) {
	backend := remote.NewMemory()
	c := New(Deps{Remote: backend}, WithExecutor(inline))
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.CreateChat(context.Background(), "Trip", "")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Len(t, backend.List(models.EntityChat), 1)
}
