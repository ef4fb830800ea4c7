package queue

import (
	"fmt"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/models"
)

// Item is a mutation waiting to be written remotely.
// Callers only ever hold copies; the queue owns the originals.
type Item struct {
	ID          string
	Operation   models.Operation
	EntityType  models.EntityType
	EntityID    string
	TempID      string
	BaseVersion int64
	Payload     models.Payload
	Priority    models.Priority
	Retries     int
	CreatedAt   time.Time
	LastAttempt *time.Time
	Error       string

	// Seq orders items enqueued at the same instant.
	Seq uint64
}

// EntityKey identifies the entity the item targets: its server id, or the
// optimistic temp id for a create that has not been confirmed yet.
func (it Item) EntityKey() string {
	if it.EntityID != "" {
		return it.EntityID
	}
	return it.TempID
}

func (it *Item) clone() Item {
	cp := *it
	if it.LastAttempt != nil {
		t := *it.LastAttempt
		cp.LastAttempt = &t
	}
	return cp
}

// NewItem is the caller-supplied part of an Item.
type NewItem struct {
	Operation   models.Operation
	EntityType  models.EntityType
	EntityID    string
	TempID      string
	BaseVersion int64
	Payload     models.Payload
	Priority    models.Priority
}

// Validate checks an item before it is accepted.
func (n NewItem) Validate() error {
	if !n.Operation.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", n.Operation))
	}
	if !n.EntityType.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %q", n.EntityType))
	}
	if n.Operation.RequiresEntityID() && n.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s %s requires an entity id", n.Operation, n.EntityType))
	}
	if n.Priority != "" && !n.Priority.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown priority %q", n.Priority))
	}
	if err := models.CheckKind(n.Operation, n.EntityType, n.Payload); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "payload rejected", err)
	}
	return nil
}

// ToModel converts an Item to its persisted row.
func (it *Item) ToModel() (*models.SyncQueue, error) {
	payload, err := models.EncodePayload(it.Payload)
	if err != nil {
		return nil, err
	}

	row := &models.SyncQueue{
		ID:          models.UUID(it.ID),
		Operation:   it.Operation,
		EntityType:  it.EntityType,
		EntityID:    it.EntityID,
		TempID:      it.TempID,
		BaseVersion: it.BaseVersion,
		Payload:     payload,
		Priority:    it.Priority,
		RetryCount:  it.Retries,
		CreatedAt:   clock.UnixMilli(it.CreatedAt),
		Error:       it.Error,

		CreatedAtNano: clock.UnixNano(it.CreatedAt),
		Sequence:      it.Seq,
	}
	if it.LastAttempt != nil {
		ms := clock.UnixMilli(*it.LastAttempt)
		ns := clock.UnixNano(*it.LastAttempt)
		row.LastAttempt = &ms
		row.LastAttemptNano = &ns
	}
	return row, nil
}

// FromModel restores an Item from its persisted row. Rows that would not
// pass Enqueue validation are rejected as corrupt.
func FromModel(row *models.SyncQueue) (*Item, error) {
	if row.ID == "" {
		return nil, apperrors.New(apperrors.ErrCorruptData, "queue row has no id")
	}
	if row.RetryCount < 0 {
		return nil, apperrors.New(apperrors.ErrCorruptData, fmt.Sprintf("queue row %s has negative retries", row.ID))
	}

	payload, err := models.DecodePayload(row.Payload)
	if err != nil {
		return nil, err
	}

	n := NewItem{
		Operation:   row.Operation,
		EntityType:  row.EntityType,
		EntityID:    row.EntityID,
		TempID:      row.TempID,
		BaseVersion: row.BaseVersion,
		Payload:     payload,
		Priority:    row.Priority,
	}
	if !row.Priority.Valid() {
		return nil, apperrors.New(apperrors.ErrCorruptData, fmt.Sprintf("queue row %s has priority %q", row.ID, row.Priority))
	}
	if err := n.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptData, fmt.Sprintf("queue row %s", row.ID), err)
	}

	it := &Item{
		ID:          string(row.ID),
		Operation:   n.Operation,
		EntityType:  n.EntityType,
		EntityID:    n.EntityID,
		TempID:      n.TempID,
		BaseVersion: n.BaseVersion,
		Payload:     n.Payload,
		Priority:    n.Priority,
		Retries:     row.RetryCount,
		CreatedAt:   clock.FromUnixMilli(row.CreatedAt),
		Error:       row.Error,
		Seq:         row.Sequence,
	}
	if row.CreatedAtNano != 0 {
		it.CreatedAt = clock.FromUnixNano(row.CreatedAtNano)
	}
	switch {
	case row.LastAttemptNano != nil:
		t := clock.FromUnixNano(*row.LastAttemptNano)
		it.LastAttempt = &t
	case row.LastAttempt != nil:
		t := clock.FromUnixMilli(*row.LastAttempt)
		it.LastAttempt = &t
	}
	return it, nil
}
