package models

import "time"

// ChangeLog is one mutation accepted by a remote backend.
type ChangeLog struct {
	ID         UUID       `db:"id" json:"id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	EntityID   string     `db:"entity_id" json:"entity_id"`
	Operation  Operation  `db:"operation" json:"operation"`
	Version    int64      `db:"version" json:"version"`
	Timestamp  int64      `db:"timestamp" json:"timestamp"` // unix ms
}

// TableName returns the table name for ChangeLog.
func (ChangeLog) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}
