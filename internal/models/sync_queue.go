package models

import "encoding/json"

// SyncQueue is the persisted form of one offline queue item.
type SyncQueue struct {
	ID          UUID            `db:"id" json:"id"`
	Operation   Operation       `db:"operation" json:"operation"`
	EntityType  EntityType      `db:"entity_type" json:"entity_type"`
	EntityID    string          `db:"entity_id" json:"entity_id,omitempty"`
	TempID      string          `db:"temp_id" json:"temp_id,omitempty"`
	BaseVersion int64           `db:"base_version" json:"base_version,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Priority    Priority        `db:"priority" json:"priority"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`               // unix ms
	LastAttempt *int64          `db:"last_attempt" json:"last_attempt,omitempty"` // unix ms
	Error       string          `db:"error" json:"error,omitempty"`

	// Exact timestamps in unix ns. Rows written without them fall back to
	// the millisecond columns.
	CreatedAtNano   int64  `db:"created_at_ns" json:"created_at_ns,omitempty"`
	LastAttemptNano *int64 `db:"last_attempt_ns" json:"last_attempt_ns,omitempty"`
	// Sequence is the enqueue order, used when two items share a timestamp.
	Sequence uint64 `db:"sequence" json:"sequence,omitempty"`
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}

// QueueSnapshotVersion is the current layout of QueueSnapshot.
const QueueSnapshotVersion = 1

// QueueSnapshot is the document stored under the offline queue key.
type QueueSnapshot struct {
	Version int         `json:"version"`
	SavedAt int64       `json:"saved_at"`
	Items   []SyncQueue `json:"items"`
}
