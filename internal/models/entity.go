// Package models provides data model definitions for the chatsync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType identifies the kind of domain object a mutation targets.
type EntityType string

const (
	EntityChat    EntityType = "chat"
	EntityMessage EntityType = "message"
	EntityUser    EntityType = "user"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityChat, EntityMessage, EntityUser:
		return true
	}
	return false
}

// Chat is a conversation owned by the signed-in user.
type Chat struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Pinned       bool   `json:"pinned"`
	Archived     bool   `json:"archived"`
	Version      int64  `json:"version"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// MessageRole is the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is a single chat turn.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Status    string      `json:"status,omitempty"`
	Version   int64       `json:"version"`
	CreatedAt int64       `json:"createdAt"`
	UpdatedAt int64       `json:"updatedAt"`
}

// User is the profile of the signed-in account.
type User struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Version     int64             `json:"version"`
	UpdatedAt   int64             `json:"updatedAt"`
}

// Record is a JSON-shaped field map of an entity snapshot.
// Numbers are float64 once normalized.
type Record map[string]any

// ToRecord converts any JSON-serializable entity into a normalized Record.
func ToRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if r == nil {
		r = Record{}
	}
	return r, nil
}

// Normalize returns a copy of r with JSON value types (float64 numbers,
// []any slices, map[string]any objects).
func (r Record) Normalize() (Record, error) {
	if r == nil {
		return Record{}, nil
	}
	return ToRecord(map[string]any(r))
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every key of other applied on top.
func (r Record) Merge(other Record) Record {
	out := r.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Decode unmarshals r into dst, e.g. a *Chat.
func (r Record) Decode(dst any) error {
	data, err := json.Marshal(map[string]any(r))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Version returns the numeric "version" field, or 0.
func (r Record) Version() int64 {
	switch v := r["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
