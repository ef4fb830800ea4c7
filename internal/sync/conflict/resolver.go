// Package conflict detects diverging local and remote entity versions and
// resolves them with a configurable strategy.
package conflict

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLocalWins     ResolutionStrategy = "local_wins"
	ResolutionStrategyRemoteWins    ResolutionStrategy = "remote_wins"
	ResolutionStrategyMerge         ResolutionStrategy = "merge"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionStrategyLocalWins, ResolutionStrategyRemoteWins, ResolutionStrategyMerge,
		ResolutionStrategyManual, ResolutionStrategyLastWriteWins:
		return true
	}
	return false
}

// ParseStrategy parses a config value.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	st := ResolutionStrategy(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
	return st, nil
}

// Conflict represents a detected divergence between local and remote state.
type Conflict struct {
	ID                string
	EntityType        models.EntityType
	EntityID          string
	Local             models.Record
	Remote            models.Record
	ConflictingFields []string
	DetectedAt        time.Time
	Strategy          ResolutionStrategy // set once resolved
	ResolvedAt        *time.Time
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	ConflictID  string
	Strategy    ResolutionStrategy
	Resolved    models.Record
	Winner      string // local, remote or merged
	ConflictLog *models.ConflictLog
}

// DefaultTimestampField is the field compared by last-write-wins.
const DefaultTimestampField = "updatedAt"

// DefaultArchiveSize bounds the resolved-conflict archive.
const DefaultArchiveSize = 200

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithTimestampField sets the timestamp field for an entity type.
// An empty field means the entity type has no timestamp.
func WithTimestampField(t models.EntityType, field string) Option {
	return func(r *Resolver) { r.timestampFields[t] = field }
}

// WithIgnoreFields replaces the fields skipped by Detect.
func WithIgnoreFields(fields ...string) Option {
	return func(r *Resolver) {
		r.ignore = make(map[string]bool, len(fields))
		for _, f := range fields {
			r.ignore[f] = true
		}
	}
}

// WithArchiveSize bounds the archive; the oldest entries are evicted.
func WithArchiveSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.archiveSize = n
		}
	}
}

// Resolver handles conflict detection and resolution. It is safe for concurrent use.
type Resolver struct {
	mu              sync.Mutex
	clock           clock.Clock
	timestampFields map[models.EntityType]string
	ignore          map[string]bool
	archiveSize     int
	active          map[string]*Conflict
	activeOrder     []string
	archive         []models.ConflictLog
}

// NewResolver creates a Resolver. By default every entity type uses
// updatedAt as its timestamp and "version" is ignored by Detect.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		clock: clock.New(),
		timestampFields: map[models.EntityType]string{
			models.EntityChat:    DefaultTimestampField,
			models.EntityMessage: DefaultTimestampField,
			models.EntityUser:    DefaultTimestampField,
		},
		ignore:      map[string]bool{"version": true},
		archiveSize: DefaultArchiveSize,
		active:      make(map[string]*Conflict),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TimestampField returns the timestamp field of an entity type, or "".
func (r *Resolver) TimestampField(t models.EntityType) string {
	return r.timestampFields[t]
}

// Detect compares local and remote field by field and returns nil when
// they agree. Values are compared after JSON normalization, and a missing
// field equals null. The timestamp field only records when a side was
// written, so it never makes a conflict on its own.
func (r *Resolver) Detect(entityType models.EntityType, entityID string, local, remote models.Record) *Conflict {
	l, err := local.Normalize()
	if err != nil {
		logging.Warn("Cannot normalize local record", map[string]interface{}{
			"entity_id": entityID,
			"error":     err.Error(),
		})
		return nil
	}
	rm, err := remote.Normalize()
	if err != nil {
		logging.Warn("Cannot normalize remote record", map[string]interface{}{
			"entity_id": entityID,
			"error":     err.Error(),
		})
		return nil
	}

	tsField := r.TimestampField(entityType)
	fields := diffFields(l, rm, func(f string) bool { return r.ignore[f] || f == tsField })
	if len(fields) == 0 {
		return nil
	}

	c := &Conflict{
		ID:                uuid.New().String(),
		EntityType:        entityType,
		EntityID:          entityID,
		Local:             l,
		Remote:            rm,
		ConflictingFields: fields,
		DetectedAt:        r.clock.Now(),
	}

	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"conflict_id":        c.ID,
		"entity_type":        string(entityType),
		"entity_id":          entityID,
		"conflicting_fields": strings.Join(fields, ","),
		"local_version":      l.Version(),
		"remote_version":     rm.Version(),
	})
	return c
}

// diffFields returns the sorted union of keys whose values differ.
func diffFields(a, b models.Record, skip func(string) bool) []string {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	var out []string
	for k := range keys {
		if skip(k) {
			continue
		}
		if !reflect.DeepEqual(a[k], b[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve resolves c with strategy and archives the outcome. MANUAL is
// rejected with ErrManualStrategy; record such conflicts with Defer.
func (r *Resolver) Resolve(c *Conflict, strategy ResolutionStrategy) (*Resolution, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if err := checkStrategy(strategy); err != nil {
		return nil, err
	}

	r.mu.Lock()
	now, err := r.claimLocked(c, strategy)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.settle(c, strategy, now), nil
}

func checkStrategy(strategy ResolutionStrategy) error {
	switch strategy {
	case ResolutionStrategyLocalWins, ResolutionStrategyRemoteWins,
		ResolutionStrategyLastWriteWins, ResolutionStrategyMerge:
		return nil
	case ResolutionStrategyManual:
		return ErrManualStrategy
	default:
		return ErrUnknownStrategy
	}
}

// claimLocked marks c resolved and takes it out of the active set. Only
// one caller can claim a conflict.
func (r *Resolver) claimLocked(c *Conflict, strategy ResolutionStrategy) (time.Time, error) {
	if c.ResolvedAt != nil {
		return time.Time{}, ErrAlreadyResolved
	}
	now := r.clock.Now()
	c.Strategy = strategy
	c.ResolvedAt = &now
	r.removeActiveLocked(c.ID)
	return now, nil
}

// settle computes the resolved record of a claimed conflict and archives it.
func (r *Resolver) settle(c *Conflict, strategy ResolutionStrategy, now time.Time) *Resolution {
	logging.Info("Resolving conflict", map[string]interface{}{
		"conflict_id": c.ID,
		"entity_id":   c.EntityID,
		"strategy":    string(strategy),
	})

	var resolved models.Record
	var winner string
	switch strategy {
	case ResolutionStrategyLocalWins:
		resolved, winner = c.Local.Clone(), "local"
	case ResolutionStrategyRemoteWins:
		resolved, winner = c.Remote.Clone(), "remote"
	case ResolutionStrategyLastWriteWins:
		resolved, winner = r.resolveLastWriteWins(c)
	case ResolutionStrategyMerge:
		resolved, winner = r.resolveMerge(c), "merged"
	}

	entry := models.ConflictLog{
		ID:                models.UUID(c.ID),
		EntityType:        c.EntityType,
		EntityID:          c.EntityID,
		ConflictingFields: append([]string(nil), c.ConflictingFields...),
		Resolution:        string(strategy),
		DetectedAt:        clock.UnixMilli(c.DetectedAt),
		ResolvedAt:        clock.UnixMilli(now),
	}
	if ts, ok := r.timestamp(c.EntityType, c.Local); ok {
		entry.LocalTimestamp = ts
	}
	if ts, ok := r.timestamp(c.EntityType, c.Remote); ok {
		entry.RemoteTimestamp = ts
	}

	r.mu.Lock()
	r.archive = append(r.archive, entry)
	if over := len(r.archive) - r.archiveSize; over > 0 {
		r.archive = append([]models.ConflictLog(nil), r.archive[over:]...)
	}
	r.mu.Unlock()

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id":      c.ID,
		"entity_id":        c.EntityID,
		"winner_side":      winner,
		"local_timestamp":  entry.LocalTimestamp,
		"remote_timestamp": entry.RemoteTimestamp,
		"resolution":       string(strategy),
	})

	return &Resolution{
		ConflictID:  c.ID,
		Strategy:    strategy,
		Resolved:    resolved,
		Winner:      winner,
		ConflictLog: &entry,
	}
}

// resolveLastWriteWins keeps the side with the later timestamp. Ties and
// missing or unparsable timestamps go to remote.
func (r *Resolver) resolveLastWriteWins(c *Conflict) (models.Record, string) {
	lt, lok := r.timestamp(c.EntityType, c.Local)
	rt, rok := r.timestamp(c.EntityType, c.Remote)
	if lok && rok && lt > rt {
		return c.Local.Clone(), "local"
	}
	return c.Remote.Clone(), "remote"
}

// resolveMerge starts from remote and settles each conflicting field: a
// null side yields to the other, otherwise the later record wins, with
// remote taking ties and entity types that have no timestamp.
func (r *Resolver) resolveMerge(c *Conflict) models.Record {
	out := c.Remote.Clone()

	lt, lok := r.timestamp(c.EntityType, c.Local)
	rt, rok := r.timestamp(c.EntityType, c.Remote)
	localNewer := lok && rok && lt > rt

	for _, f := range c.ConflictingFields {
		lv, rv := c.Local[f], c.Remote[f]
		switch {
		case rv == nil:
			if lv != nil {
				out[f] = lv
			}
		case lv == nil:
			out[f] = rv
		case localNewer:
			out[f] = lv
		default:
			out[f] = rv
		}
	}
	if localNewer {
		if tsField := r.TimestampField(c.EntityType); tsField != "" {
			out[tsField] = c.Local[tsField]
		}
	}
	return out
}

// timestamp reads the entity type's timestamp field as unix milliseconds.
func (r *Resolver) timestamp(t models.EntityType, rec models.Record) (int64, bool) {
	field := r.TimestampField(t)
	if field == "" {
		return 0, false
	}
	return ParseTimestamp(rec[field])
}

// ParseTimestamp accepts unix milliseconds as a number or an RFC 3339 string.
func ParseTimestamp(v any) (int64, bool) {
	switch ts := v.(type) {
	case float64:
		return int64(ts), true
	case int64:
		return ts, true
	case int:
		return int64(ts), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	case time.Time:
		return ts.UnixMilli(), true
	}
	return 0, false
}

// Validate checks that every conflicting field of res holds either the
// local or the remote value.
func (r *Resolver) Validate(c *Conflict, res *Resolution) error {
	if c == nil || res == nil {
		return ErrInvalidConflict
	}
	resolved, err := res.Resolved.Normalize()
	if err != nil {
		return &ConflictError{Message: "resolution is not serializable: " + err.Error()}
	}
	local, err := c.Local.Normalize()
	if err != nil {
		return &ConflictError{Message: "local record is not serializable: " + err.Error()}
	}
	remote, err := c.Remote.Normalize()
	if err != nil {
		return &ConflictError{Message: "remote record is not serializable: " + err.Error()}
	}
	for _, f := range c.ConflictingFields {
		v := resolved[f]
		if !reflect.DeepEqual(v, local[f]) && !reflect.DeepEqual(v, remote[f]) {
			return &ConflictError{Message: fmt.Sprintf("field %q matches neither side", f)}
		}
	}
	return nil
}

// Defer records c for a later decision by the user.
func (r *Resolver) Defer(c *Conflict) {
	if c == nil {
		return
	}
	r.mu.Lock()
	if _, exists := r.active[c.ID]; !exists {
		r.active[c.ID] = c
		r.activeOrder = append(r.activeOrder, c.ID)
	}
	n := len(r.active)
	r.mu.Unlock()

	logging.Warn("Conflict queued for manual review", map[string]interface{}{
		"conflict_id": c.ID,
		"entity_id":   c.EntityID,
		"active":      n,
	})
}

// Active returns copies of the deferred conflicts, oldest first.
func (r *Resolver) Active() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.activeOrder))
	for _, id := range r.activeOrder {
		cp := *r.active[id]
		cp.ConflictingFields = append([]string(nil), cp.ConflictingFields...)
		out = append(out, cp)
	}
	return out
}

// ActiveCount returns the number of deferred conflicts.
func (r *Resolver) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ResolveDeferred resolves a deferred conflict by id. Concurrent calls for
// the same id resolve it once; the others get ErrConflictNotFound.
func (r *Resolver) ResolveDeferred(id string, strategy ResolutionStrategy) (*Conflict, *Resolution, error) {
	if err := checkStrategy(strategy); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	c, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrConflictNotFound
	}
	if c.Local == nil || c.Remote == nil {
		r.mu.Unlock()
		return nil, nil, ErrInvalidConflict
	}
	now, err := r.claimLocked(c, strategy)
	r.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return c, r.settle(c, strategy, now), nil
}

// Archive returns resolved conflict logs, oldest first.
func (r *Resolver) Archive() []models.ConflictLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConflictLog(nil), r.archive...)
}

// Clear drops active conflicts and the archive.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string]*Conflict)
	r.activeOrder = nil
	r.archive = nil
}

func (r *Resolver) removeActiveLocked(id string) {
	if _, ok := r.active[id]; !ok {
		return
	}
	delete(r.active, id)
	for i, a := range r.activeOrder {
		if a == id {
			r.activeOrder = append(r.activeOrder[:i], r.activeOrder[i+1:]...)
			break
		}
	}
}

// Errors
var (
	ErrInvalidConflict  = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrManualStrategy   = &ConflictError{Message: "manual strategy requires a user decision"}
	ErrUnknownStrategy  = &ConflictError{Message: "unknown resolution strategy"}
	ErrAlreadyResolved  = &ConflictError{Message: "conflict already resolved"}
	ErrConflictNotFound = &ConflictError{Message: "conflict not found"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
