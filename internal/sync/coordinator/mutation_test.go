package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/chatsync/backend/internal/sync/state"
	"github.com/kimhsiao/chatsync/backend/internal/uuid"
)

// =====================================================
// Mutate Tests
// =====================================================

// TestMutate_OnlineWritesImmediately verifies the direct write path.
func TestMutate_OnlineWritesImmediately(t *testing.T) {
	h := newHarness(t)

	res, err := h.c.CreateChat(context.Background(), "Trip", "gpt")
	require.NoError(t, err)

	assert.False(t, res.Queued)
	assert.True(t, uuid.IsTempID(res.TempID))
	require.NotEmpty(t, res.EntityID)
	assert.False(t, uuid.IsTempID(res.EntityID))
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, "Trip", res.Record["title"])

	assert.Zero(t, h.c.Ledger().Len())
	assert.Zero(t, h.c.Queue().Len())
	e, ok := h.c.Tracker().Get(res.EntityID)
	require.True(t, ok)
	assert.Equal(t, state.StatusSuccess, e.Status)
	assert.Equal(t, 1, e.Attempts)

	ev, ok := h.events.last(EventOperationSucceeded)
	require.True(t, ok)
	assert.Equal(t, res.EntityID, ev.EntityID)
	assert.Equal(t, res.TempID, ev.TempID)
}

// TestMutate_OfflineKeepsOptimistic verifies the optimistic entry survives
// until the queued write is confirmed.
func TestMutate_OfflineKeepsOptimistic(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})
	ctx := context.Background()

	res, err := h.c.SendMessage(ctx, "chat-1", "hello")
	require.NoError(t, err)
	assert.True(t, res.Queued)

	u, ok := h.c.Ledger().Get(res.TempID)
	require.True(t, ok)
	assert.Equal(t, "hello", u.Data["content"])
	assert.Equal(t, "sending", u.Data["status"])

	item, ok := h.c.Queue().Get(res.ItemID)
	require.True(t, ok)
	assert.Equal(t, models.PriorityCritical, item.Priority)
	assert.Equal(t, res.TempID, item.TempID)

	h.net.SetOnline(true)
	assert.Zero(t, h.c.Ledger().Len())
	assert.Len(t, h.backend.List(models.EntityMessage), 1)
}

// TestMutate_Rejected verifies non-retryable errors roll back and surface.
func TestMutate_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		chatID   string
		setup    func(h *harness)
		category apperrors.Category
	}{
		{
			name:     "validation",
			chatID:   "missing-chat",
			setup:    func(h *harness) {},
			category: apperrors.CategoryValidation,
		},
		{
			name:   "permission",
			chatID: "chat-1",
			setup: func(h *harness) {
				h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})
				h.backend.Deny(models.EntityChat)
			},
			category: apperrors.CategoryPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			rolled := false
			res, err := h.c.RenameChat(context.Background(), tt.chatID, "New", WithRollback(func() { rolled = true }))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.category, apperrors.Classify(err))

			assert.True(t, rolled)
			assert.Zero(t, h.c.Ledger().Len())
			assert.Zero(t, h.c.Queue().Len())

			e, _ := h.c.Tracker().Get(tt.chatID)
			assert.Equal(t, state.StatusError, e.Status)
			assert.False(t, e.HasPendingChanges)
			assert.Equal(t, 1, h.events.count(EventOperationFailed))
		})
	}
}

// TestMutate_InvalidOperation verifies malformed mutations never reach the ledger.
func TestMutate_InvalidOperation(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.Mutate(context.Background(), Mutation{Operation: Operation{
		Operation:  models.OperationUpdate,
		EntityType: models.EntityChat,
		Payload:    models.UpdateChat{Title: strPtr("x")},
	}})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = h.c.Mutate(context.Background(), Mutation{Operation: Operation{
		Operation:  models.OperationCreate,
		EntityType: models.EntityChat,
		Payload:    models.CreateMessage{ChatID: "c", Role: models.RoleUser, Content: "x"},
	}})
	require.Error(t, err)

	assert.Zero(t, h.c.Ledger().Len())
	assert.Empty(t, h.c.Tracker().All())
	assert.Zero(t, h.backend.Writes())
}

// TestMutate_RetryableFailureQueues verifies a transient failure queues the
// write and keeps the optimistic entry.
func TestMutate_RetryableFailureQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})
	h.backend.FailNext(apperrors.New(apperrors.ErrNetwork, "connection reset"))

	res, err := h.c.RenameChat(ctx, "chat-1", "New")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, h.c.Ledger().Len())
	assert.Equal(t, 1, h.c.Queue().Len())

	e, _ := h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusError, e.Status)
	assert.True(t, e.HasPendingChanges)

	h.clk.Advance(DefaultPeriodicInterval)

	assert.Zero(t, h.c.Queue().Len())
	assert.Zero(t, h.c.Ledger().Len())
	e, _ = h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusSuccess, e.Status)
	assert.Equal(t, 2, h.backend.Writes())
}

// TestMutate_UnknownErrorIsRetryable verifies unclassified errors are queued.
func TestMutate_UnknownErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})
	h.backend.FailNext(errors.New("weird"))

	res, err := h.c.RenameChat(context.Background(), "chat-1", "New")
	require.NoError(t, err)
	assert.True(t, res.Queued)
}

// TestMutate_QueuesBehindEarlierChange verifies per-entity ordering is kept
// when a later change arrives while an earlier one waits.
func TestMutate_QueuesBehindEarlierChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{"title": "Old"})
	h.backend.FailNext(apperrors.New(apperrors.ErrNetwork, "timeout"))

	first, err := h.c.RenameChat(ctx, "chat-1", "First")
	require.NoError(t, err)
	require.True(t, first.Queued)

	h.clk.Advance(time.Second)
	second, err := h.c.RenameChat(ctx, "chat-1", "Second")
	require.NoError(t, err)
	assert.True(t, second.Queued)

	assert.Zero(t, h.c.Queue().Len())
	rec, _ := h.backend.Get(models.EntityChat, "chat-1")
	assert.Equal(t, "Second", rec["title"])
	assert.Equal(t, float64(3), rec["version"])
}

// TestDrain_DependentMessageStaysPending verifies a message waiting on its
// chat's create is reported pending, never failed.
func TestDrain_DependentMessageStaysPending(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})
	ctx := context.Background()

	chat, err := h.c.CreateChat(ctx, "Trip", "")
	require.NoError(t, err)
	msg, err := h.c.SendMessage(ctx, chat.TempID, "hello")
	require.NoError(t, err)

	var seen []state.Status
	unsub := h.c.Tracker().Subscribe(func(g state.GlobalState) {
		seen = append(seen, g.Status)
	})
	defer unsub()

	h.net.SetOnline(true)
	assert.NotContains(t, seen, state.StatusError)

	e, ok := h.c.Tracker().Get(msg.TempID)
	require.True(t, ok)
	assert.NotEqual(t, state.StatusError, e.Status)
	assert.True(t, e.HasPendingChanges)
	assert.Empty(t, e.Error)

	h.clk.Advance(time.Second)
	assert.Zero(t, h.c.Queue().Len())
	assert.NotContains(t, seen, state.StatusError)

	msgs := h.backend.List(models.EntityMessage)
	require.Len(t, msgs, 1)
	assert.False(t, uuid.IsTempID(msgs[0]["chatId"].(string)))
}

// TestChatHelpers_Priorities verifies each helper's payload and priority.
func TestChatHelpers_Priorities(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{offline: true})
	ctx := context.Background()

	calls := []struct {
		name string
		run  func() (*Result, error)
		op   models.Operation
		typ  models.EntityType
		prio models.Priority
	}{
		{"create chat", func() (*Result, error) { return h.c.CreateChat(ctx, "t", "") }, models.OperationCreate, models.EntityChat, models.PriorityNormal},
		{"rename chat", func() (*Result, error) { return h.c.RenameChat(ctx, "c1", "t") }, models.OperationUpdate, models.EntityChat, models.PriorityNormal},
		{"delete chat", func() (*Result, error) { return h.c.DeleteChat(ctx, "c1", true) }, models.OperationDelete, models.EntityChat, models.PriorityHigh},
		{"send message", func() (*Result, error) { return h.c.SendMessage(ctx, "c1", "hi") }, models.OperationCreate, models.EntityMessage, models.PriorityCritical},
		{"edit message", func() (*Result, error) { return h.c.EditMessage(ctx, "m1", "hi!") }, models.OperationUpdate, models.EntityMessage, models.PriorityHigh},
		{"delete message", func() (*Result, error) { return h.c.DeleteMessage(ctx, "c1", "m1") }, models.OperationDelete, models.EntityMessage, models.PriorityHigh},
		{"update profile", func() (*Result, error) {
			return h.c.UpdateProfile(ctx, "u1", models.UpdateUser{DisplayName: strPtr("Kim")})
		}, models.OperationUpdate, models.EntityUser, models.PriorityLow},
	}

	for _, tt := range calls {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.run()
			require.NoError(t, err)
			require.True(t, res.Queued)

			item, ok := h.c.Queue().Get(res.ItemID)
			require.True(t, ok)
			assert.Equal(t, tt.op, item.Operation)
			assert.Equal(t, tt.typ, item.EntityType)
			assert.Equal(t, tt.prio, item.Priority)
		})
	}

	h.clk.Advance(time.Second)
	_, err := h.c.RenameChat(ctx, "c1", "t", WithPriority(models.PriorityLow), WithBaseVersion(4))
	require.NoError(t, err)
	items := h.c.Queue().Items()
	last := items[len(items)-1]
	assert.Equal(t, models.PriorityLow, last.Priority)
	assert.Equal(t, int64(4), last.BaseVersion)
}

// =====================================================
// Conflict Tests
// =====================================================

func seedStaleChat(h *harness, remoteUpdated time.Time) {
	h.backend.Seed(models.EntityChat, "chat-1", models.Record{
		"title":     "Remote",
		"pinned":    true,
		"version":   3,
		"updatedAt": remoteUpdated.UnixMilli(),
	})
}

// TestConflict_LocalNewerWins verifies last-write-wins writes the local
// change back against the remote version.
func TestConflict_LocalNewerWins(t *testing.T) {
	h := newHarness(t)
	seedStaleChat(h, epoch.Add(-time.Hour))

	res, err := h.c.RenameChat(context.Background(), "chat-1", "Local", WithBaseVersion(2))
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, int64(4), res.Version)

	rec, _ := h.backend.Get(models.EntityChat, "chat-1")
	assert.Equal(t, "Local", rec["title"])
	assert.Equal(t, true, rec["pinned"])

	detected, ok := h.events.last(EventConflictDetected)
	require.True(t, ok)
	assert.Equal(t, []string{"title"}, detected.Fields)
	resolved, ok := h.events.last(EventConflictResolved)
	require.True(t, ok)
	assert.Equal(t, "local", resolved.Winner)
	assert.Equal(t, string(conflict.ResolutionStrategyLastWriteWins), resolved.Strategy)

	logs := h.c.Resolver().Archive()
	require.Len(t, logs, 1)
	assert.Equal(t, "chat-1", logs[0].EntityID)
	assert.Zero(t, h.c.Ledger().Len())
}

// TestConflict_RemoteNewerWins verifies the remote record is kept without a write.
func TestConflict_RemoteNewerWins(t *testing.T) {
	h := newHarness(t)
	seedStaleChat(h, epoch.Add(time.Hour))

	res, err := h.c.RenameChat(context.Background(), "chat-1", "Local", WithBaseVersion(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
	assert.Equal(t, "Remote", res.Record["title"])

	rec, _ := h.backend.Get(models.EntityChat, "chat-1")
	assert.Equal(t, "Remote", rec["title"])
	assert.Equal(t, 1, h.backend.Writes())

	e, _ := h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusSuccess, e.Status)
	assert.Zero(t, h.c.Ledger().Len())
}

// TestConflict_AlreadyApplied verifies a conflict with no diverging fields
// settles without a write.
func TestConflict_AlreadyApplied(t *testing.T) {
	h := newHarness(t)
	seedStaleChat(h, epoch.Add(-time.Hour))

	res, err := h.c.RenameChat(context.Background(), "chat-1", "Remote", WithBaseVersion(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
	assert.Zero(t, h.events.count(EventConflictDetected))
}

// TestConflict_MergeProfile verifies merge keeps both sides' fields.
func TestConflict_MergeProfile(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed(models.EntityUser, "u-1", models.Record{
		"displayName": "Remote Name",
		"avatarUrl":   nil,
		"version":     5,
		"updatedAt":   epoch.Add(time.Hour).UnixMilli(),
	})

	_, err := h.c.UpdateProfile(context.Background(), "u-1", models.UpdateUser{
		DisplayName: strPtr("Local Name"),
		AvatarURL:   strPtr("https://example.test/a.png"),
	}, WithBaseVersion(4))
	require.NoError(t, err)

	rec, _ := h.backend.Get(models.EntityUser, "u-1")
	assert.Equal(t, "Remote Name", rec["displayName"])
	assert.Equal(t, "https://example.test/a.png", rec["avatarUrl"])
	assert.Equal(t, float64(6), rec["version"])
}

// TestConflict_ManualDefers verifies the manual strategy parks the change
// until the user decides.
func TestConflict_ManualDefers(t *testing.T) {
	h := newHarness(t, WithStrategy(models.EntityChat, conflict.ResolutionStrategyManual))
	ctx := context.Background()
	seedStaleChat(h, epoch.Add(-time.Hour))

	res, err := h.c.RenameChat(ctx, "chat-1", "Local", WithBaseVersion(2))
	require.Error(t, err)
	var deferred *DeferredConflictError
	require.True(t, errors.As(err, &deferred))
	require.NotNil(t, res)
	assert.Equal(t, deferred.ConflictID, res.ConflictID)
	assert.Equal(t, apperrors.CategoryConflict, apperrors.Classify(err))

	assert.Equal(t, 1, h.c.Status().ActiveConflicts)
	assert.Equal(t, 1, h.c.Ledger().Len())
	e, _ := h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusError, e.Status)
	assert.True(t, e.HasPendingChanges)

	out, err := h.c.ResolveConflict(ctx, res.ConflictID, conflict.ResolutionStrategyLocalWins)
	require.NoError(t, err)
	assert.Equal(t, int64(4), out.Version)

	rec, _ := h.backend.Get(models.EntityChat, "chat-1")
	assert.Equal(t, "Local", rec["title"])
	assert.Zero(t, h.c.Status().ActiveConflicts)
	assert.Zero(t, h.c.Ledger().Len())
	e, _ = h.c.Tracker().Get("chat-1")
	assert.Equal(t, state.StatusSuccess, e.Status)

	_, err = h.c.ResolveConflict(ctx, res.ConflictID, conflict.ResolutionStrategyLocalWins)
	assert.ErrorIs(t, err, conflict.ErrConflictNotFound)
}

// TestConflict_ConcurrentResolveOnce verifies concurrent decisions on one
// conflict write and announce the resolution exactly once.
func TestConflict_ConcurrentResolveOnce(t *testing.T) {
	h := newHarness(t, WithStrategy(models.EntityChat, conflict.ResolutionStrategyManual))
	ctx := context.Background()
	seedStaleChat(h, epoch.Add(-time.Hour))

	res, err := h.c.RenameChat(ctx, "chat-1", "Local", WithBaseVersion(2))
	require.Error(t, err)
	require.NotEmpty(t, res.ConflictID)
	writes := h.backend.Writes()

	const callers = 8
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.c.ResolveConflict(ctx, res.ConflictID, conflict.ResolutionStrategyLocalWins)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, conflict.ErrConflictNotFound)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.events.count(EventConflictResolved))
	assert.Equal(t, writes+1, h.backend.Writes())
	assert.Len(t, h.c.Resolver().Archive(), 1)
}

// TestConflict_ResolveRejectsManual verifies a manual decision leaves the
// conflict in place for another attempt.
func TestConflict_ResolveRejectsManual(t *testing.T) {
	h := newHarness(t, WithStrategy(models.EntityChat, conflict.ResolutionStrategyManual))
	ctx := context.Background()
	seedStaleChat(h, epoch.Add(-time.Hour))

	res, err := h.c.RenameChat(ctx, "chat-1", "Local", WithBaseVersion(2))
	require.Error(t, err)

	_, err = h.c.ResolveConflict(ctx, res.ConflictID, conflict.ResolutionStrategyManual)
	assert.ErrorIs(t, err, conflict.ErrManualStrategy)
	assert.Equal(t, 1, h.c.Status().ActiveConflicts)

	_, err = h.c.ResolveConflict(ctx, res.ConflictID, conflict.ResolutionStrategyRemoteWins)
	require.NoError(t, err)
	assert.Zero(t, h.c.Status().ActiveConflicts)
}

// TestConflict_ManualFromQueue verifies a queued change that conflicts is
// parked and leaves the queue.
func TestConflict_ManualFromQueue(t *testing.T) {
	h := newHarnessWith(t, harnessConfig{
		offline: true,
		opts:    []Option{WithStrategy(models.EntityChat, conflict.ResolutionStrategyManual)},
	})
	ctx := context.Background()
	seedStaleChat(h, epoch.Add(-time.Hour))

	res, err := h.c.RenameChat(ctx, "chat-1", "Local", WithBaseVersion(2))
	require.NoError(t, err)
	require.True(t, res.Queued)

	h.net.SetOnline(true)

	assert.Zero(t, h.c.Queue().Len())
	assert.Equal(t, 1, h.c.Ledger().Len())
	active := h.c.Resolver().Active()
	require.Len(t, active, 1)

	failed, ok := h.events.last(EventOperationFailed)
	require.True(t, ok)
	assert.Equal(t, active[0].ID, failed.ConflictID)
	assert.False(t, failed.Exhausted)

	_, err = h.c.ResolveConflict(ctx, active[0].ID, conflict.ResolutionStrategyRemoteWins)
	require.NoError(t, err)
	rec, _ := h.backend.Get(models.EntityChat, "chat-1")
	assert.Equal(t, "Remote", rec["title"])
	assert.Zero(t, h.c.Ledger().Len())
}

// TestConflict_Delete verifies a delete against a stale version re-issues
// the delete when local is newer and is dropped when remote is newer.
func TestConflict_Delete(t *testing.T) {
	t.Run("local newer", func(t *testing.T) {
		h := newHarness(t)
		seedStaleChat(h, epoch.Add(-time.Hour))

		_, err := h.c.DeleteChat(context.Background(), "chat-1", false, WithBaseVersion(1))
		require.NoError(t, err)
		_, ok := h.backend.Get(models.EntityChat, "chat-1")
		assert.False(t, ok)
	})

	t.Run("remote newer", func(t *testing.T) {
		h := newHarness(t)
		seedStaleChat(h, epoch.Add(time.Hour))

		res, err := h.c.DeleteChat(context.Background(), "chat-1", false, WithBaseVersion(1))
		require.NoError(t, err)
		assert.Equal(t, "Remote", res.Record["title"])
		_, ok := h.backend.Get(models.EntityChat, "chat-1")
		assert.True(t, ok)
		assert.Zero(t, h.c.Ledger().Len())
	})
}
