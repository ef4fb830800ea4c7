package coordinator

import (
	"context"

	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/sync/optimistic"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
	"github.com/kimhsiao/chatsync/backend/internal/uuid"
)

// Operation is a remote write the application wants performed.
type Operation struct {
	Operation  models.Operation
	EntityType models.EntityType
	// EntityID targets updates and deletes. It may be the temp id of a
	// create that has not been confirmed yet.
	EntityID string
	// TempID keys the optimistic entry of the change. Generated when empty.
	TempID      string
	BaseVersion int64
	Payload     models.Payload
	Priority    models.Priority
}

func (op Operation) newItem() queue.NewItem {
	return queue.NewItem{
		Operation:   op.Operation,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		TempID:      op.TempID,
		BaseVersion: op.BaseVersion,
		Payload:     op.Payload,
		Priority:    op.Priority,
	}
}

// entityKey is the id the tracker knows the entity by before aliasing.
func (op Operation) entityKey() string {
	if op.EntityID != "" {
		return op.EntityID
	}
	return op.TempID
}

func operationFromItem(it queue.Item) Operation {
	return Operation{
		Operation:   it.Operation,
		EntityType:  it.EntityType,
		EntityID:    it.EntityID,
		TempID:      it.TempID,
		BaseVersion: it.BaseVersion,
		Payload:     it.Payload,
		Priority:    it.Priority,
	}
}

// Mutation is an Operation together with the optimistic view shown to the
// user until the write is confirmed.
type Mutation struct {
	Operation
	// Snapshot is the optimistic record. May be nil.
	Snapshot models.Record
	// Rollback restores the local view if the write is rejected. May be nil.
	Rollback func()
}

// Result describes what happened to a mutation.
type Result struct {
	TempID   string        `json:"tempId"`
	EntityID string        `json:"entityId,omitempty"`
	Queued   bool          `json:"queued"`
	ItemID   string        `json:"itemId,omitempty"`
	Version  int64         `json:"version,omitempty"`
	Record   models.Record `json:"record,omitempty"`
	// ConflictID is set when the change waits on a manual conflict decision.
	ConflictID string `json:"conflictId,omitempty"`
}

// Mutate records the optimistic change and writes it. While offline, or
// when earlier changes to the same entity are still queued, the write is
// queued instead. Retryable failures are queued too. Only rejections
// (validation, permission) and deferred conflicts are returned as errors;
// a rejected change is rolled back.
func (c *Coordinator) Mutate(ctx context.Context, m Mutation) (*Result, error) {
	if m.Priority == "" {
		m.Priority = models.PriorityNormal
	}
	if m.TempID == "" {
		m.TempID = uuid.NewTempID()
	}
	op := m.Operation
	if err := op.newItem().Validate(); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	if err := c.ledger.Add(optimistic.Update[models.Record]{
		TempID:     op.TempID,
		EntityType: op.EntityType,
		EntityID:   op.entityKey(),
		Data:       m.Snapshot.Clone(),
		Rollback:   m.Rollback,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	entity := c.resolveID(op.entityKey())
	c.tracker.MarkPending(entity, op.EntityType)

	if !c.isOnline() || c.mustQueue(op) {
		return c.enqueue(ctx, op, true)
	}

	c.mu.Lock()
	c.writing++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.writing--
		c.mu.Unlock()
	}()

	c.tracker.MarkSyncing(entity, op.EntityType)
	out, err := c.execute(ctx, op, now, op.TempID)
	if err != nil {
		return c.handleMutateError(ctx, op, err)
	}

	c.settle(op, "", out)
	res := &Result{TempID: op.TempID, EntityID: c.resolveID(op.entityKey())}
	if out.resp != nil {
		res.Version = out.resp.Version
		res.Record = out.resp.Record
		if out.resp.EntityID != "" {
			res.EntityID = out.resp.EntityID
		}
	}
	return res, nil
}

func (c *Coordinator) handleMutateError(ctx context.Context, op Operation, err error) (*Result, error) {
	entity := c.resolveID(op.entityKey())
	if d, ok := asDeferred(err); ok {
		c.tracker.MarkSyncFailed(entity, err)
		c.emitFailed(op, "", err, false)
		return &Result{TempID: op.TempID, EntityID: entity, ConflictID: d.ConflictID}, err
	}

	switch apperrors.Classify(err) {
	case apperrors.CategoryValidation, apperrors.CategoryPermission, apperrors.CategoryConflict:
		c.ledger.Rollback(op.TempID)
		c.tracker.MarkRejected(entity, err)
		c.emitFailed(op, "", err, false)
		logging.Warn("Mutation rejected", map[string]interface{}{
			"operation":   string(op.Operation),
			"entity_type": string(op.EntityType),
			"entity_id":   entity,
			"error":       err.Error(),
		})
		return nil, err
	}

	logging.Info("Write failed, queueing for retry", map[string]interface{}{
		"entity_id": entity,
		"error":     err.Error(),
	})
	c.tracker.MarkSyncFailed(entity, err)
	return c.enqueue(ctx, op, false)
}

// QueueOperation queues op without an optimistic entry and drains at once
// when online.
func (c *Coordinator) QueueOperation(ctx context.Context, op Operation) (string, error) {
	if op.Operation == models.OperationCreate && op.TempID == "" {
		op.TempID = uuid.NewTempID()
	}
	if err := op.newItem().Validate(); err != nil {
		return "", err
	}
	c.tracker.MarkPending(c.resolveID(op.entityKey()), op.EntityType)
	res, err := c.enqueue(ctx, op, true)
	if err != nil {
		return "", err
	}
	return res.ItemID, nil
}

// enqueue queues op. With drain set a drain pass is started when online;
// a write that just failed waits for the next periodic pass instead.
func (c *Coordinator) enqueue(ctx context.Context, op Operation, drain bool) (*Result, error) {
	id, err := c.queue.Enqueue(ctx, op.newItem())
	if err != nil {
		return nil, err
	}
	recordCount("queue.enqueued", op.EntityType)
	c.events.emit(Event{
		Type:       EventOperationQueued,
		Time:       c.clock.Now(),
		ItemID:     id,
		TempID:     op.TempID,
		EntityType: op.EntityType,
		EntityID:   c.resolveID(op.entityKey()),
		Operation:  op.Operation,
	})
	if drain {
		c.kick()
	}
	return &Result{TempID: op.TempID, EntityID: c.resolveID(op.EntityID), Queued: true, ItemID: id}, nil
}

// mustQueue reports whether op has to wait behind queued work: an earlier
// change to the same entity, or a reference to an unconfirmed create.
func (c *Coordinator) mustQueue(op Operation) bool {
	key := op.entityKey()
	if c.queue.HasEntity(key) || c.queue.HasEntity(c.resolveID(key)) {
		return true
	}
	for _, ref := range references(op) {
		if uuid.IsTempID(ref) && c.resolveID(ref) == ref {
			return true
		}
	}
	return false
}

// settle applies a confirmed write: aliases a created temp id, drops the
// optimistic entry and marks the entity synced.
func (c *Coordinator) settle(op Operation, itemID string, out *outcome) {
	if op.Operation == models.OperationCreate && op.TempID != "" && out.resp != nil && out.resp.EntityID != "" {
		c.mu.Lock()
		c.aliases[op.TempID] = out.resp.EntityID
		c.mu.Unlock()
		c.tracker.Rekey(op.TempID, out.resp.EntityID)
	}
	c.ledger.Remove(op.TempID)

	entity := c.resolveID(op.entityKey())
	c.tracker.MarkSynced(entity)
	if c.hasOtherWork(itemID, op.entityKey(), entity) {
		c.tracker.MarkPending(entity, op.EntityType)
	}

	ev := Event{
		Type:       EventOperationSucceeded,
		Time:       c.clock.Now(),
		ItemID:     itemID,
		TempID:     op.TempID,
		EntityType: op.EntityType,
		EntityID:   entity,
		Operation:  op.Operation,
	}
	if out.resp != nil {
		ev.Record = out.resp.Record
	}
	c.events.emit(ev)
}

// hasOtherWork reports whether items other than itemID still target one of keys.
func (c *Coordinator) hasOtherWork(itemID string, keys ...string) bool {
	for _, it := range c.queue.Items() {
		if it.ID == itemID {
			continue
		}
		k := it.EntityKey()
		for _, want := range keys {
			if k == want || c.resolveID(k) == want {
				return true
			}
		}
	}
	return false
}

func (c *Coordinator) emitFailed(op Operation, itemID string, err error, exhausted bool) {
	ev := Event{
		Type:       EventOperationFailed,
		Time:       c.clock.Now(),
		ItemID:     itemID,
		TempID:     op.TempID,
		EntityType: op.EntityType,
		EntityID:   c.resolveID(op.entityKey()),
		Operation:  op.Operation,
		Exhausted:  exhausted,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if d, ok := asDeferred(err); ok {
		ev.ConflictID = d.ConflictID
	}
	c.events.emit(ev)
}
