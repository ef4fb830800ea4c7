package models

import "time"

// ConflictLog records a resolved concurrent edit for user awareness.
type ConflictLog struct {
	ID                UUID       `db:"id" json:"id"`
	EntityType        EntityType `db:"entity_type" json:"entity_type"`
	EntityID          string     `db:"entity_id" json:"entity_id"`
	ConflictingFields []string   `db:"-" json:"conflicting_fields"`
	LocalTimestamp    int64      `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp   int64      `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution        string     `db:"resolution" json:"resolution"` // local_wins, remote_wins, merge, manual, last_write_wins
	DetectedAt        int64      `db:"detected_at" json:"detected_at"`
	ResolvedAt        int64      `db:"resolved_at" json:"resolved_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt (unix ms) as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// ResolvedAtTime returns ResolvedAt (unix ms) as time.Time.
func (c *ConflictLog) ResolvedAtTime() time.Time {
	return time.UnixMilli(c.ResolvedAt)
}
