// Package queue provides the durable offline operation queue.
// Items drain by priority then age, failures are retried with exponential
// backoff per priority, and the whole queue is snapshotted into a
// storage.Store after every change.
package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
)

// DefaultStorageKey is the key the queue snapshot is written under.
const DefaultStorageKey = "offline_queue"

// Processor performs the remote write for one item. A nil error removes
// the item; wrap an error in Permanent to skip retries.
type Processor func(ctx context.Context, item Item) error

// FailedFunc observes items removed without success.
type FailedFunc func(item Item, err error)

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source for timestamps and retry timers.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithStore enables persistence.
func WithStore(s storage.Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithStorageKey overrides DefaultStorageKey.
func WithStorageKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithPolicies overrides retry policies for the given priorities.
func WithPolicies(p map[models.Priority]RetryPolicy) Option {
	return func(q *Queue) {
		for prio, pol := range p {
			q.policies[prio] = pol
		}
	}
}

// WithReadyCheck gates retry timers: when ready returns false a due retry
// is left for the next drain pass.
func WithReadyCheck(ready func() bool) Option {
	return func(q *Queue) { q.ready = ready }
}

// WithJitter sets the jitter source, returning values in [0, 1).
func WithJitter(r func() float64) Option {
	return func(q *Queue) { q.jitter = r }
}

type retryTimer struct {
	timer clock.Timer
	seq   uint64
}

// Queue is the offline operation queue. It is safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	items      map[string]*Item
	timers     map[string]retryTimer
	inFlight   map[string]bool
	processing bool
	closed     bool
	timerSeq   uint64
	enqueueSeq uint64

	observers map[int]FailedFunc
	nextObs   int

	clock    clock.Clock
	store    storage.Store
	key      string
	policies map[models.Priority]RetryPolicy
	ready    func() bool
	jitter   func() float64

	// persistMu serializes snapshot-and-write so older snapshots never
	// overwrite newer ones.
	persistMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		items:     make(map[string]*Item),
		timers:    make(map[string]retryTimer),
		inFlight:  make(map[string]bool),
		observers: make(map[int]FailedFunc),
		clock:     clock.New(),
		key:       DefaultStorageKey,
		policies:  DefaultPolicies(),
		jitter:    rand.Float64,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the retry policy for priority p.
func (q *Queue) Policy(p models.Priority) RetryPolicy {
	if pol, ok := q.policies[p]; ok {
		return pol
	}
	return q.policies[models.PriorityNormal]
}

// Enqueue validates and adds an item, returning its id.
func (q *Queue) Enqueue(ctx context.Context, n NewItem) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}

	item := &Item{
		ID:          uuid.New().String(),
		Operation:   n.Operation,
		EntityType:  n.EntityType,
		EntityID:    n.EntityID,
		TempID:      n.TempID,
		BaseVersion: n.BaseVersion,
		Payload:     n.Payload,
		Priority:    n.Priority,
		CreatedAt:   q.clock.Now(),
	}

	q.mu.Lock()
	q.enqueueSeq++
	item.Seq = q.enqueueSeq
	q.items[item.ID] = item
	size := len(q.items)
	q.mu.Unlock()

	logging.Info("Operation queued", map[string]interface{}{
		"item_id":     item.ID,
		"operation":   string(item.Operation),
		"entity_type": string(item.EntityType),
		"entity_id":   item.EntityKey(),
		"priority":    string(item.Priority),
		"queue_size":  size,
	})

	q.persist(ctx)
	return item.ID, nil
}

// Dequeue removes an item and stops its retry timer. It reports whether
// the item was present.
func (q *Queue) Dequeue(ctx context.Context, id string) bool {
	q.mu.Lock()
	_, ok := q.removeLocked(id)
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.persist(ctx)
	return true
}

func (q *Queue) removeLocked(id string) (*Item, bool) {
	item, ok := q.items[id]
	if !ok {
		return nil, false
	}
	delete(q.items, id)
	if rt, ok := q.timers[id]; ok {
		rt.timer.Stop()
		delete(q.timers, id)
	}
	return item, true
}

// Get returns a copy of one item.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return item.clone(), true
}

// Items returns copies of all items sorted by priority (highest first),
// then creation time (oldest first), then enqueue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

func (q *Queue) sortedLocked() []Item {
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasEntity reports whether any item targets the entity key.
func (q *Queue) HasEntity(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.EntityKey() == key {
			return true
		}
	}
	return false
}

// IsProcessing reports whether a drain pass is running.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// OnItemFailed registers fn for items removed after exhausting retries or
// failing permanently. It returns an unsubscribe function.
func (q *Queue) OnItemFailed(fn FailedFunc) func() {
	q.mu.Lock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.observers, id)
		q.mu.Unlock()
	}
}

// Process drains the queue once in priority order. It returns false
// without doing anything when another pass is already running. Items
// waiting on a retry timer or already in flight are skipped.
func (q *Queue) Process(ctx context.Context, proc Processor) bool {
	q.mu.Lock()
	if q.processing || q.closed {
		q.mu.Unlock()
		return false
	}
	q.processing = true
	pass := make([]Item, 0, len(q.items))
	for _, it := range q.sortedLocked() {
		if _, waiting := q.timers[it.ID]; waiting || q.inFlight[it.ID] {
			continue
		}
		pass = append(pass, it)
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	if len(pass) > 0 {
		logging.Debug("Processing offline queue", map[string]interface{}{
			"items": len(pass),
		})
	}

	for _, it := range pass {
		if ctx.Err() != nil {
			break
		}
		q.attempt(ctx, it.ID, proc)
	}
	return true
}

// attempt runs proc for one item and applies the outcome.
func (q *Queue) attempt(ctx context.Context, id string, proc Processor) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok || q.inFlight[id] || q.closed {
		q.mu.Unlock()
		return
	}
	now := q.clock.Now()
	item.LastAttempt = &now
	q.inFlight[id] = true
	cp := item.clone()
	q.mu.Unlock()

	err := safeProcess(ctx, proc, cp)

	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()

	if err == nil {
		if q.Dequeue(ctx, id) {
			logging.Debug("Queue item completed", map[string]interface{}{
				"item_id":  id,
				"priority": string(cp.Priority),
			})
		}
		return
	}
	q.handleProcessingError(ctx, id, err, proc)
}

func safeProcess(ctx context.Context, proc Processor, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, item)
}

// handleProcessingError records a failure and either schedules a retry or
// removes the item.
func (q *Queue) handleProcessingError(ctx context.Context, id string, err error, proc Processor) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	item.Error = err.Error()

	if IsPermanent(err) {
		q.removeLocked(id)
		failed := item.clone()
		q.mu.Unlock()

		logging.Warn("Queue item failed permanently", map[string]interface{}{
			"item_id":   id,
			"priority":  string(failed.Priority),
			"entity_id": failed.EntityKey(),
			"error":     err.Error(),
		})
		q.persist(ctx)
		q.notifyFailed(failed, err)
		return
	}

	item.Retries++
	policy := q.Policy(item.Priority)
	if item.Retries >= policy.MaxRetries {
		q.removeLocked(id)
		failed := item.clone()
		q.mu.Unlock()

		logging.ErrorWithCode("Queue item exhausted retries", string(apperrors.ErrItemExhausted), err, map[string]interface{}{
			"item_id":   id,
			"priority":  string(failed.Priority),
			"entity_id": failed.EntityKey(),
			"retry":     failed.Retries,
		})
		q.persist(ctx)
		q.notifyFailed(failed, err)
		return
	}

	delay := withJitter(policy.Backoff(item.Retries), q.jitter())
	if rt, ok := q.timers[id]; ok {
		rt.timer.Stop()
		delete(q.timers, id)
	}
	q.timerSeq++
	seq := q.timerSeq
	q.timers[id] = retryTimer{
		timer: q.clock.AfterFunc(delay, func() { q.onRetryTimer(id, seq, proc) }),
		seq:   seq,
	}
	retries := item.Retries
	prio := item.Priority
	q.mu.Unlock()

	logging.Info("Queue item scheduled for retry", map[string]interface{}{
		"item_id":  id,
		"priority": string(prio),
		"retry":    retries,
		"max":      policy.MaxRetries,
		"delay_ms": delay.Milliseconds(),
		"error":    err.Error(),
	})
	q.persist(ctx)
}

func (q *Queue) onRetryTimer(id string, seq uint64, proc Processor) {
	q.mu.Lock()
	rt, ok := q.timers[id]
	if !ok || rt.seq != seq || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.timers, id)
	ready := q.ready == nil || q.ready()
	q.mu.Unlock()

	if !ready {
		logging.Debug("Retry due while not ready, waiting for next drain", map[string]interface{}{
			"item_id": id,
		})
		return
	}
	q.attempt(q.ctx, id, proc)
}

func (q *Queue) notifyFailed(item Item, err error) {
	q.mu.Lock()
	ids := make([]int, 0, len(q.observers))
	for id := range q.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]FailedFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, q.observers[id])
	}
	q.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Item-failed observer panicked", fmt.Errorf("%v", r), map[string]interface{}{
						"item_id": item.ID,
					})
				}
			}()
			fn(item, err)
		}()
	}
}

// Stats summarizes the queue.
type Stats struct {
	Total          int                     `json:"total"`
	ByPriority     map[models.Priority]int `json:"byPriority"`
	WaitingRetry   int                     `json:"waitingRetry"`
	InFlight       int                     `json:"inFlight"`
	Processing     bool                    `json:"processing"`
	OldestAge      time.Duration           `json:"oldestAge"`
	AverageRetries float64                 `json:"averageRetries"`
}

// Stats returns a summary of the queue contents.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Total:        len(q.items),
		ByPriority:   make(map[models.Priority]int, len(models.Priorities)),
		WaitingRetry: len(q.timers),
		InFlight:     len(q.inFlight),
		Processing:   q.processing,
	}
	for _, p := range models.Priorities {
		st.ByPriority[p] = 0
	}

	now := q.clock.Now()
	retries := 0
	for _, it := range q.items {
		st.ByPriority[it.Priority]++
		retries += it.Retries
		if age := now.Sub(it.CreatedAt); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	if st.Total > 0 {
		st.AverageRetries = float64(retries) / float64(st.Total)
	}
	return st
}

// Clear removes every item and cancels all retry timers.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.clearLocked(ctx)
}

// ClearIdle clears the queue unless a drain pass or any attempt, including
// one started by a retry timer, is running. It reports whether it cleared.
func (q *Queue) ClearIdle(ctx context.Context) bool {
	q.mu.Lock()
	if q.processing || len(q.inFlight) > 0 {
		q.mu.Unlock()
		return false
	}
	q.clearLocked(ctx)
	return true
}

// clearLocked is called with q.mu held and releases it.
func (q *Queue) clearLocked(ctx context.Context) {
	for _, rt := range q.timers {
		rt.timer.Stop()
	}
	n := len(q.items)
	q.items = make(map[string]*Item)
	q.timers = make(map[string]retryTimer)
	q.mu.Unlock()

	logging.Info("Offline queue cleared", map[string]interface{}{
		"removed": n,
	})

	if q.store != nil {
		q.persistMu.Lock()
		defer q.persistMu.Unlock()
		if err := q.store.Delete(ctx, q.key); err != nil {
			logging.Warn("Failed to delete queue snapshot", map[string]interface{}{
				"key":   q.key,
				"error": err.Error(),
			})
		}
	}
}

// Close stops all retry timers. Items stay in the snapshot for the next Load.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, rt := range q.timers {
		rt.timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	q.cancel()
}
