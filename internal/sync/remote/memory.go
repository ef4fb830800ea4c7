package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/models"
)

// Memory is an in-process backend with versioned entities and switchable
// connectivity. Writes are idempotent per IdempotencyKey.
type Memory struct {
	mu       sync.Mutex
	online   bool
	records  map[string]models.Record
	changes  []models.ChangeLog
	replies  map[string]*Response
	failures []error
	denied   map[models.EntityType]bool
	latency  time.Duration
	clock    clock.Clock
	writes   int
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock used for timestamps.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(m *Memory) { m.clock = c }
}

// WithLatency delays every write.
func WithLatency(d time.Duration) MemoryOption {
	return func(m *Memory) { m.latency = d }
}

// NewMemory creates an empty, reachable backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		online:  true,
		records: make(map[string]models.Record),
		replies: make(map[string]*Response),
		denied:  make(map[models.EntityType]bool),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func recordKey(t models.EntityType, id string) string {
	return string(t) + "/" + id
}

// SetOnline switches connectivity.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// FailNext makes the next len(errs) writes fail with errs in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Deny rejects every write to entity type t with a permission error.
func (m *Memory) Deny(t models.EntityType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[t] = true
}

// Seed stores a record directly, bypassing version checks.
func (m *Memory) Seed(t models.EntityType, id string, rec models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := rec.Clone()
	r["id"] = id
	if _, ok := r["version"]; !ok {
		r["version"] = int64(1)
	}
	norm, err := r.Normalize()
	if err == nil {
		r = norm
	}
	m.records[recordKey(t, id)] = r
}

// Get returns a copy of a stored record.
func (m *Memory) Get(t models.EntityType, id string) (models.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey(t, id)]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns every stored record of type t ordered by id.
func (m *Memory) List(t models.EntityType) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := string(t) + "/"
	var keys []string
	for k := range m.records {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]models.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.records[k].Clone())
	}
	return out
}

// ChangeLog returns every accepted mutation in order.
func (m *Memory) ChangeLog() []models.ChangeLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChangeLog(nil), m.changes...)
}

// Writes returns how many write attempts reached the backend.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Write applies req.
func (m *Memory) Write(ctx context.Context, req Request) (*Response, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	if !m.online {
		return nil, apperrors.New(apperrors.ErrNetwork, "backend unreachable")
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	if m.denied[req.EntityType] {
		return nil, apperrors.New(apperrors.ErrPermission, fmt.Sprintf("writes to %s are not allowed", req.EntityType))
	}
	if req.IdempotencyKey != "" {
		if resp, ok := m.replies[req.IdempotencyKey]; ok {
			return copyResponse(resp), nil
		}
	}
	if err := models.CheckKind(req.Operation, req.EntityType, req.Payload); err != nil {
		return nil, err
	}

	var resp *Response
	var err error
	switch req.Operation {
	case models.OperationCreate:
		resp, err = m.createLocked(req.EntityType, req.Payload.Fields()), nil
	case models.OperationUpdate:
		resp, err = m.updateLocked(req)
	case models.OperationDelete:
		resp, err = m.deleteLocked(req)
	case models.OperationBatchCreate:
		resp, err = m.batchCreateLocked(req)
	case models.OperationBatchUpdate:
		resp, err = m.batchUpdateLocked(req)
	default:
		err = apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported operation %q", req.Operation))
	}
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		m.replies[req.IdempotencyKey] = copyResponse(resp)
	}
	return resp, nil
}

func (m *Memory) createLocked(t models.EntityType, fields models.Record) *Response {
	id := uuid.New().String()
	now := clock.UnixMilli(m.clock.Now())
	rec := fields.Clone()
	rec["id"] = id
	rec["version"] = int64(1)
	rec["createdAt"] = now
	rec["updatedAt"] = now
	if norm, err := rec.Normalize(); err == nil {
		rec = norm
	}
	m.records[recordKey(t, id)] = rec
	m.logLocked(t, id, models.OperationCreate, 1)
	return &Response{EntityID: id, Version: 1, Record: rec.Clone()}
}

func (m *Memory) updateLocked(req Request) (*Response, error) {
	key := recordKey(req.EntityType, req.EntityID)
	current, ok := m.records[key]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", req.EntityType, req.EntityID))
	}
	version := current.Version()
	if req.BaseVersion > 0 && req.BaseVersion != version {
		return nil, &ConflictError{
			EntityType:    req.EntityType,
			EntityID:      req.EntityID,
			BaseVersion:   req.BaseVersion,
			RemoteVersion: version,
			Remote:        current.Clone(),
		}
	}

	next := applyFields(current, req.Payload.Fields())
	version++
	next["version"] = version
	next["updatedAt"] = clock.UnixMilli(m.clock.Now())
	if norm, err := next.Normalize(); err == nil {
		next = norm
	}
	m.records[key] = next
	m.logLocked(req.EntityType, req.EntityID, models.OperationUpdate, version)
	return &Response{EntityID: req.EntityID, Version: version, Record: next.Clone()}, nil
}

// applyFields overlays fields on rec. Preference maps merge key by key.
func applyFields(rec, fields models.Record) models.Record {
	out := rec.Clone()
	for k, v := range fields {
		if k == "preferences" {
			merged := map[string]any{}
			if old, ok := out[k].(map[string]any); ok {
				for pk, pv := range old {
					merged[pk] = pv
				}
			}
			if add, ok := v.(map[string]any); ok {
				for pk, pv := range add {
					merged[pk] = pv
				}
				out[k] = merged
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (m *Memory) deleteLocked(req Request) (*Response, error) {
	key := recordKey(req.EntityType, req.EntityID)
	current, ok := m.records[key]
	if !ok {
		// Already gone
		return &Response{EntityID: req.EntityID}, nil
	}
	version := current.Version()
	if req.BaseVersion > 0 && req.BaseVersion != version {
		return nil, &ConflictError{
			EntityType:    req.EntityType,
			EntityID:      req.EntityID,
			BaseVersion:   req.BaseVersion,
			RemoteVersion: version,
			Remote:        current.Clone(),
		}
	}
	delete(m.records, key)
	m.logLocked(req.EntityType, req.EntityID, models.OperationDelete, version+1)

	if dc, ok := req.Payload.(models.DeleteChat); ok && dc.Cascade {
		prefix := recordKey(models.EntityMessage, "")
		for k, rec := range m.records {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix && rec["chatId"] == req.EntityID {
				delete(m.records, k)
			}
		}
	}
	return &Response{EntityID: req.EntityID, Version: version + 1}, nil
}

func (m *Memory) batchCreateLocked(req Request) (*Response, error) {
	batch, ok := req.Payload.(models.BatchCreateMessages)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, "batch create expects messages")
	}
	resp := &Response{EntityID: batch.ChatID}
	for _, msg := range batch.Messages {
		msg.ChatID = batch.ChatID
		created := m.createLocked(models.EntityMessage, msg.Fields())
		resp.IDs = append(resp.IDs, created.EntityID)
	}
	return resp, nil
}

func (m *Memory) batchUpdateLocked(req Request) (*Response, error) {
	batch, ok := req.Payload.(models.BatchUpdateMessages)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, "batch update expects message patches")
	}
	for _, u := range batch.Updates {
		if _, ok := m.records[recordKey(models.EntityMessage, u.ID)]; !ok {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("message %s not found", u.ID))
		}
	}
	resp := &Response{}
	for _, u := range batch.Updates {
		r, err := m.updateLocked(Request{
			Operation:  models.OperationUpdate,
			EntityType: models.EntityMessage,
			EntityID:   u.ID,
			Payload:    u.Update,
		})
		if err != nil {
			return nil, err
		}
		resp.IDs = append(resp.IDs, r.EntityID)
	}
	return resp, nil
}

func (m *Memory) logLocked(t models.EntityType, id string, op models.Operation, version int64) {
	m.changes = append(m.changes, models.ChangeLog{
		ID:         models.UUID(uuid.New().String()),
		EntityType: t,
		EntityID:   id,
		Operation:  op,
		Version:    version,
		Timestamp:  clock.UnixMilli(m.clock.Now()),
	})
}

func copyResponse(r *Response) *Response {
	cp := *r
	if r.Record != nil {
		cp.Record = r.Record.Clone()
	}
	cp.IDs = append([]string(nil), r.IDs...)
	return &cp
}
