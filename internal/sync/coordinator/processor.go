package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
	"github.com/kimhsiao/chatsync/backend/internal/telemetry"
	"github.com/kimhsiao/chatsync/backend/internal/uuid"
)

// ErrDependencyPending is returned for a write that references a create
// which has not been confirmed yet. It is retried like a network error.
var ErrDependencyPending = errors.New("waiting for a pending create to be confirmed")

// errConflictRace means the remote moved again while a resolution was written.
var errConflictRace = errors.New("remote changed again during conflict resolution")

// DeferredConflictError reports a change parked for a manual conflict decision.
type DeferredConflictError struct {
	ConflictID string
	EntityType models.EntityType
	EntityID   string
}

func (e *DeferredConflictError) Error() string {
	return fmt.Sprintf("conflict %s on %s %s awaits manual resolution", e.ConflictID, e.EntityType, e.EntityID)
}

// Category marks deferred conflicts for errors.Classify.
func (e *DeferredConflictError) Category() apperrors.Category {
	return apperrors.CategoryConflict
}

func asDeferred(err error) (*DeferredConflictError, bool) {
	var d *DeferredConflictError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// outcome is the result of one executed write.
type outcome struct {
	resp       *remote.Response
	resolution *conflict.Resolution
}

// ProcessQueue drains the queue once. It is a no-op returning false while
// offline. When a pass is already running, another pass is run after it.
func (c *Coordinator) ProcessQueue(ctx context.Context) bool {
	if !c.isOnline() {
		return false
	}
	if !c.queue.Process(ctx, c.process) {
		c.mu.Lock()
		c.rerun = true
		c.mu.Unlock()
		return false
	}
	for {
		c.mu.Lock()
		again := c.rerun
		c.rerun = false
		c.mu.Unlock()
		if !again || !c.isOnline() || ctx.Err() != nil {
			return true
		}
		c.queue.Process(ctx, c.process)
	}
}

// process is the queue processor. Rejections and deferred conflicts are
// permanent; everything else is left to the queue's retry policy.
func (c *Coordinator) process(ctx context.Context, it queue.Item) error {
	op := operationFromItem(it)
	entity := c.resolveID(it.EntityKey())
	if c.dependencyPending(op) {
		// Still pending, not failed: the create it refers to has not synced.
		c.tracker.MarkPending(entity, it.EntityType)
		return ErrDependencyPending
	}
	c.tracker.MarkSyncing(entity, it.EntityType)

	out, err := c.execute(ctx, op, it.CreatedAt, idempotencyKey(it))
	if err != nil {
		c.tracker.MarkSyncFailed(entity, err)
		if _, ok := asDeferred(err); ok {
			return queue.Permanent(err)
		}
		switch apperrors.Classify(err) {
		case apperrors.CategoryValidation, apperrors.CategoryPermission, apperrors.CategoryConflict:
			return queue.Permanent(err)
		}
		return err
	}

	c.settle(op, it.ID, out)
	return nil
}

func idempotencyKey(it queue.Item) string {
	if it.TempID != "" {
		return it.TempID
	}
	return it.ID
}

// execute performs one remote write, routing version conflicts to the
// resolver. changedAt is when the local change was made.
func (c *Coordinator) execute(ctx context.Context, op Operation, changedAt time.Time, key string) (*outcome, error) {
	req, err := c.request(op, key)
	if err != nil {
		return nil, err
	}

	resp, err := c.write(ctx, req)
	if err == nil {
		return &outcome{resp: resp}, nil
	}

	var ce *remote.ConflictError
	if errors.As(err, &ce) && (op.Operation == models.OperationUpdate || op.Operation == models.OperationDelete) {
		return c.handleConflict(ctx, op, req, ce, changedAt)
	}
	return nil, err
}

// write paces and performs req.
func (c *Coordinator) write(ctx context.Context, req remote.Request) (*remote.Response, error) {
	if c.remote == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "no remote writer configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := c.clock.Now()
	resp, err := c.remote.Write(ctx, req)
	telemetry.RecordTiming("sync.write.latency", c.clock.Now().Sub(start), map[string]string{
		"entity": string(req.EntityType),
	})

	result := "ok"
	if err != nil {
		result = string(apperrors.Classify(err))
	}
	telemetry.RecordCount("sync.write", 1, map[string]string{
		"entity": string(req.EntityType),
		"result": result,
	})

	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &remote.Response{EntityID: req.EntityID}
	}
	return resp, nil
}

// dependencyPending reports whether op refers to a temp id that has no
// server id yet.
func (c *Coordinator) dependencyPending(op Operation) bool {
	for _, ref := range references(op) {
		if uuid.IsTempID(ref) && c.resolveID(ref) == ref {
			return true
		}
	}
	return false
}

// request builds the remote request, replacing confirmed temp ids with
// server ids.
func (c *Coordinator) request(op Operation, key string) (remote.Request, error) {
	if c.dependencyPending(op) {
		return remote.Request{}, ErrDependencyPending
	}
	return remote.Request{
		IdempotencyKey: key,
		Operation:      op.Operation,
		EntityType:     op.EntityType,
		EntityID:       c.resolveID(op.EntityID),
		TempID:         op.TempID,
		BaseVersion:    op.BaseVersion,
		Payload:        rewritePayload(op.Payload, c.resolveID),
	}, nil
}

// references lists the entity ids op points at, besides what it creates.
func references(op Operation) []string {
	var refs []string
	if op.EntityID != "" {
		refs = append(refs, op.EntityID)
	}
	switch p := op.Payload.(type) {
	case models.CreateMessage:
		refs = append(refs, p.ChatID)
	case models.DeleteMessage:
		refs = append(refs, p.ChatID)
	case models.BatchCreateMessages:
		refs = append(refs, p.ChatID)
	case models.BatchUpdateMessages:
		for _, u := range p.Updates {
			refs = append(refs, u.ID)
		}
	}
	return refs
}

func rewritePayload(p models.Payload, resolve func(string) string) models.Payload {
	switch v := p.(type) {
	case models.CreateMessage:
		v.ChatID = resolve(v.ChatID)
		return v
	case models.DeleteMessage:
		v.ChatID = resolve(v.ChatID)
		return v
	case models.BatchCreateMessages:
		v.ChatID = resolve(v.ChatID)
		msgs := make([]models.CreateMessage, len(v.Messages))
		for i, m := range v.Messages {
			if m.ChatID != "" {
				m.ChatID = resolve(m.ChatID)
			}
			msgs[i] = m
		}
		v.Messages = msgs
		return v
	case models.BatchUpdateMessages:
		ups := make([]models.MessagePatch, len(v.Updates))
		for i, u := range v.Updates {
			u.ID = resolve(u.ID)
			ups[i] = u
		}
		v.Updates = ups
		return v
	}
	return p
}

// =====================================================
// Conflicts
// =====================================================

// localView is the record the user sees: the remote record with the local
// change applied, stamped with when the change was made. A delete is
// represented by a deleted marker.
func (c *Coordinator) localView(op Operation, remoteRec models.Record, changedAt time.Time) models.Record {
	var local models.Record
	if op.Operation == models.OperationDelete {
		local = models.Record{"deleted": true}
	} else {
		local = remoteRec.Merge(op.Payload.Fields())
	}
	if f := c.resolver.TimestampField(op.EntityType); f != "" {
		local[f] = clock.UnixMilli(changedAt)
	}
	return local
}

func (c *Coordinator) handleConflict(ctx context.Context, op Operation, req remote.Request, ce *remote.ConflictError, changedAt time.Time) (*outcome, error) {
	recordCount("conflict.detected", op.EntityType)

	local := c.localView(op, ce.Remote, changedAt)
	cf := c.resolver.Detect(op.EntityType, req.EntityID, local, ce.Remote)
	if cf == nil {
		logging.Debug("Remote already matches local change", map[string]interface{}{
			"entity_id": req.EntityID,
			"version":   ce.RemoteVersion,
		})
		return &outcome{resp: &remote.Response{EntityID: req.EntityID, Version: ce.RemoteVersion, Record: ce.Remote}}, nil
	}

	c.events.emit(Event{
		Type:       EventConflictDetected,
		Time:       c.clock.Now(),
		TempID:     op.TempID,
		EntityType: op.EntityType,
		EntityID:   req.EntityID,
		Operation:  op.Operation,
		ConflictID: cf.ID,
		Fields:     cf.ConflictingFields,
	})

	strategy := c.strategyFor(op.EntityType)
	if strategy == conflict.ResolutionStrategyManual {
		c.resolver.Defer(cf)
		c.mu.Lock()
		c.deferred[cf.ID] = deferredOp{op: op, entityID: req.EntityID, remoteVersion: ce.RemoteVersion}
		c.mu.Unlock()
		return nil, &DeferredConflictError{ConflictID: cf.ID, EntityType: op.EntityType, EntityID: req.EntityID}
	}

	res, err := c.resolver.Resolve(cf, strategy)
	if err != nil {
		return nil, err
	}
	c.emitResolved(op, req.EntityID, res)

	follow, done := c.followUp(op, req.EntityID, ce.RemoteVersion, ce.Remote, res)
	if follow == nil {
		return done, nil
	}
	return c.writeFollowUp(ctx, *follow, req.IdempotencyKey)
}

// followUp turns a resolution into the write that applies it. It returns a
// nil operation, with the final outcome, when the remote already holds the
// resolved state.
func (c *Coordinator) followUp(op Operation, entityID string, remoteVersion int64, remoteRec models.Record, res *conflict.Resolution) (*Operation, *outcome) {
	settled := &outcome{
		resp:       &remote.Response{EntityID: entityID, Version: remoteVersion, Record: remoteRec.Clone()},
		resolution: res,
	}

	if op.Operation == models.OperationDelete {
		if res.Winner != "local" {
			return nil, settled
		}
		follow := op
		follow.EntityID = entityID
		follow.BaseVersion = remoteVersion
		return &follow, nil
	}

	values := c.changedFields(op.EntityType, res.Resolved, remoteRec)
	if len(values) == 0 {
		return nil, settled
	}
	return &Operation{
		Operation:   models.OperationUpdate,
		EntityType:  op.EntityType,
		EntityID:    entityID,
		TempID:      op.TempID,
		BaseVersion: remoteVersion,
		Payload:     models.ResolvedFields{Entity: op.EntityType, Values: values},
		Priority:    op.Priority,
	}, nil
}

func (c *Coordinator) writeFollowUp(ctx context.Context, follow Operation, key string) (*outcome, error) {
	req, err := c.request(follow, key+":resolved")
	if err != nil {
		return nil, err
	}
	resp, err := c.write(ctx, req)
	if err != nil {
		var ce *remote.ConflictError
		if errors.As(err, &ce) {
			return nil, errConflictRace
		}
		return nil, err
	}
	return &outcome{resp: resp}, nil
}

// changedFields returns the fields of resolved that differ from remoteRec,
// ignoring the version and the timestamp field.
func (c *Coordinator) changedFields(t models.EntityType, resolved, remoteRec models.Record) models.Record {
	res, err := resolved.Normalize()
	if err != nil {
		return nil
	}
	rem, err := remoteRec.Normalize()
	if err != nil {
		return nil
	}
	ts := c.resolver.TimestampField(t)
	out := models.Record{}
	for k, v := range res {
		if k == "version" || k == "id" || (ts != "" && k == ts) {
			continue
		}
		if rv, ok := rem[k]; ok && reflect.DeepEqual(rv, v) {
			continue
		}
		if v == nil {
			if _, ok := rem[k]; !ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (c *Coordinator) emitResolved(op Operation, entityID string, res *conflict.Resolution) {
	recordCount("conflict.resolved", op.EntityType)
	c.events.emit(Event{
		Type:       EventConflictResolved,
		Time:       c.clock.Now(),
		TempID:     op.TempID,
		EntityType: op.EntityType,
		EntityID:   entityID,
		Operation:  op.Operation,
		ConflictID: res.ConflictID,
		Strategy:   string(res.Strategy),
		Winner:     res.Winner,
		Record:     res.Resolved,
	})
}

// ResolveConflict settles a deferred conflict with strategy and writes the
// result. A retryable write failure queues the resolved change.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.ResolutionStrategy) (*Result, error) {
	c.mu.Lock()
	d, ok := c.deferred[conflictID]
	delete(c.deferred, conflictID)
	c.mu.Unlock()
	if !ok {
		return nil, conflict.ErrConflictNotFound
	}

	cf, res, err := c.resolver.ResolveDeferred(conflictID, strategy)
	if err != nil {
		if !errors.Is(err, conflict.ErrConflictNotFound) && !errors.Is(err, conflict.ErrAlreadyResolved) {
			// Still unresolved; keep it for another attempt.
			c.mu.Lock()
			c.deferred[conflictID] = d
			c.mu.Unlock()
		}
		return nil, err
	}
	c.emitResolved(d.op, d.entityID, res)

	follow, out := c.followUp(d.op, d.entityID, d.remoteVersion, cf.Remote, res)
	if follow != nil {
		if !c.isOnline() {
			c.tracker.MarkPending(d.entityID, d.op.EntityType)
			return c.enqueue(ctx, *follow, true)
		}
		out, err = c.writeFollowUp(ctx, *follow, d.op.TempID)
		if err != nil {
			if apperrors.IsRetryable(err) {
				c.tracker.MarkSyncFailed(d.entityID, err)
				return c.enqueue(ctx, *follow, false)
			}
			c.ledger.Rollback(d.op.TempID)
			c.tracker.MarkRejected(d.entityID, err)
			c.emitFailed(d.op, "", err, false)
			return nil, err
		}
	}

	c.settle(d.op, "", out)
	r := &Result{TempID: d.op.TempID, EntityID: d.entityID}
	if out.resp != nil {
		r.Version = out.resp.Version
		r.Record = out.resp.Record
	}
	return r, nil
}

// =====================================================
// Failed items
// =====================================================

// onItemFailed handles items the queue removed without success.
func (c *Coordinator) onItemFailed(it queue.Item, err error) {
	op := operationFromItem(it)
	entity := c.resolveID(it.EntityKey())

	switch {
	case isDeferred(err):
		// The optimistic entry stays until ResolveConflict.
		c.emitFailed(op, it.ID, err, false)
	case queue.IsPermanent(err):
		c.ledger.Rollback(it.TempID)
		c.tracker.MarkRejected(entity, err)
		c.emitFailed(op, it.ID, err, false)
	default:
		c.mu.Lock()
		c.failed[entity] = append(c.failed[entity], failedOp{item: it, err: err})
		c.mu.Unlock()
		c.tracker.MarkSyncFailed(entity, err)
		recordCount("queue.exhausted", it.EntityType)
		c.emitFailed(op, it.ID, err, true)
	}
}

func isDeferred(err error) bool {
	_, ok := asDeferred(err)
	return ok
}

// FailedItems returns the items that exhausted their retries, per entity.
func (c *Coordinator) FailedItems() map[string][]queue.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]queue.Item, len(c.failed))
	for id, ops := range c.failed {
		for _, f := range ops {
			out[id] = append(out[id], f.item)
		}
	}
	return out
}

// RetryFailed re-queues every exhausted item of an entity with a fresh
// retry budget and returns how many were queued.
func (c *Coordinator) RetryFailed(ctx context.Context, entityID string) (int, error) {
	c.mu.Lock()
	ops := c.failed[entityID]
	delete(c.failed, entityID)
	c.mu.Unlock()
	if len(ops) == 0 {
		return 0, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no failed changes for %s", entityID))
	}

	c.tracker.MarkPending(entityID, ops[0].item.EntityType)
	n := 0
	for i, f := range ops {
		if _, err := c.enqueue(ctx, operationFromItem(f.item), i == len(ops)-1); err != nil {
			c.mu.Lock()
			c.failed[entityID] = append(c.failed[entityID], ops[i:]...)
			c.mu.Unlock()
			return n, err
		}
		n++
	}
	logging.Info("Retrying failed changes", map[string]interface{}{
		"entity_id": entityID,
		"items":     n,
	})
	return n, nil
}

// DiscardFailed drops the exhausted changes of an entity: their optimistic
// entries are rolled back and the entity state is forgotten.
func (c *Coordinator) DiscardFailed(entityID string) int {
	c.mu.Lock()
	ops := c.failed[entityID]
	delete(c.failed, entityID)
	c.mu.Unlock()

	for _, f := range ops {
		c.ledger.Rollback(f.item.TempID)
	}
	if len(ops) > 0 && !c.queue.HasEntity(entityID) {
		c.tracker.Forget(entityID)
	}
	if len(ops) > 0 {
		logging.Info("Discarded failed changes", map[string]interface{}{
			"entity_id": entityID,
			"items":     len(ops),
		})
	}
	return len(ops)
}

func recordCount(name string, t models.EntityType) {
	telemetry.RecordCount(name, 1, map[string]string{"entity": string(t)})
}
