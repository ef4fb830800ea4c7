package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
)

// persist writes the full queue snapshot. Failures are logged and ignored:
// the in-memory queue stays authoritative.
func (q *Queue) persist(ctx context.Context) {
	if q.store == nil {
		return
	}

	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	items := q.sortedLocked()
	q.mu.Unlock()

	snap := models.QueueSnapshot{
		Version: models.QueueSnapshotVersion,
		SavedAt: clock.UnixMilli(q.clock.Now()),
		Items:   make([]models.SyncQueue, 0, len(items)),
	}
	for i := range items {
		row, err := items[i].ToModel()
		if err != nil {
			logging.Warn("Skipping unserializable queue item", map[string]interface{}{
				"item_id": items[i].ID,
				"error":   err.Error(),
			})
			continue
		}
		snap.Items = append(snap.Items, *row)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		logging.Warn("Failed to encode queue snapshot", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if err := q.store.Set(context.WithoutCancel(ctx), q.key, data); err != nil {
		logging.Warn("Failed to persist queue snapshot", map[string]interface{}{
			"key":   q.key,
			"items": len(snap.Items),
			"error": err.Error(),
		})
	}
}

// Load restores items from the store and returns how many were added.
// Items already in the queue are left untouched, so Load is idempotent.
// A corrupt snapshot is discarded and deleted; only a failing store read
// is returned as an error.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}

	data, err := q.store.Get(ctx, q.key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "read queue snapshot", err)
	}

	items, err := decodeSnapshot(data)
	if err != nil {
		logging.Warn("Discarding corrupt queue snapshot", map[string]interface{}{
			"key":   q.key,
			"bytes": len(data),
			"error": err.Error(),
		})
		q.persistMu.Lock()
		if derr := q.store.Delete(ctx, q.key); derr != nil {
			logging.Warn("Failed to delete corrupt queue snapshot", map[string]interface{}{
				"key":   q.key,
				"error": derr.Error(),
			})
		}
		q.persistMu.Unlock()
		return 0, nil
	}

	added := 0
	q.mu.Lock()
	for _, it := range items {
		if _, exists := q.items[it.ID]; exists {
			continue
		}
		q.items[it.ID] = it
		if it.Seq > q.enqueueSeq {
			q.enqueueSeq = it.Seq
		}
		added++
	}
	total := len(q.items)
	q.mu.Unlock()

	if added > 0 {
		logging.Info("Restored offline queue", map[string]interface{}{
			"restored":   added,
			"queue_size": total,
		})
	}
	return added, nil
}

func decodeSnapshot(data []byte) ([]*Item, error) {
	var snap models.QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptData, "queue snapshot", err)
	}
	if snap.Version != models.QueueSnapshotVersion {
		return nil, apperrors.New(apperrors.ErrCorruptData, "unsupported queue snapshot version")
	}

	items := make([]*Item, 0, len(snap.Items))
	seen := make(map[string]bool, len(snap.Items))
	for i := range snap.Items {
		it, err := FromModel(&snap.Items[i])
		if err != nil {
			return nil, err
		}
		if seen[it.ID] {
			return nil, apperrors.New(apperrors.ErrCorruptData, "duplicate queue item "+it.ID)
		}
		seen[it.ID] = true
		items = append(items, it)
	}
	return items, nil
}
