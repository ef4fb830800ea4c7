package coordinator

import (
	"context"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/uuid"
)

// MutationOption adjusts a mutation built by the chat helpers.
type MutationOption func(*Mutation)

// WithRollback sets the function that restores the local view.
func WithRollback(fn func()) MutationOption {
	return func(m *Mutation) { m.Rollback = fn }
}

// WithBaseVersion sets the version the change was made against.
func WithBaseVersion(v int64) MutationOption {
	return func(m *Mutation) { m.BaseVersion = v }
}

// WithPriority overrides the helper's default priority.
func WithPriority(p models.Priority) MutationOption {
	return func(m *Mutation) { m.Priority = p }
}

func (c *Coordinator) mutate(ctx context.Context, m Mutation, opts []MutationOption) (*Result, error) {
	for _, opt := range opts {
		opt(&m)
	}
	return c.Mutate(ctx, m)
}

func (c *Coordinator) nowMillis() int64 {
	return clock.UnixMilli(c.clock.Now())
}

// CreateChat creates a chat under a temp id until the backend confirms it.
func (c *Coordinator) CreateChat(ctx context.Context, title, model string, opts ...MutationOption) (*Result, error) {
	tempID := uuid.NewTempID()
	now := c.nowMillis()
	return c.mutate(ctx, Mutation{
		Operation: Operation{
			Operation:  models.OperationCreate,
			EntityType: models.EntityChat,
			TempID:     tempID,
			Payload:    models.CreateChat{Title: title, Model: model},
			Priority:   models.PriorityNormal,
		},
		Snapshot: models.Record{"id": tempID, "title": title, "model": model, "createdAt": now, "updatedAt": now},
	}, opts)
}

// RenameChat changes a chat title.
func (c *Coordinator) RenameChat(ctx context.Context, chatID, title string, opts ...MutationOption) (*Result, error) {
	return c.mutate(ctx, Mutation{
		Operation: Operation{
			Operation:  models.OperationUpdate,
			EntityType: models.EntityChat,
			EntityID:   chatID,
			Payload:    models.UpdateChat{Title: &title},
			Priority:   models.PriorityNormal,
		},
		Snapshot: models.Record{"id": chatID, "title": title, "updatedAt": c.nowMillis()},
	}, opts)
}

// DeleteChat deletes a chat, and its messages when cascade is set.
func (c *Coordinator) DeleteChat(ctx context.Context, chatID string, cascade bool, opts ...MutationOption) (*Result, error) {
	return c.mutate(ctx, Mutation{
		Operation: Operation{
			Operation:  models.OperationDelete,
			EntityType: models.EntityChat,
			EntityID:   chatID,
			Payload:    models.DeleteChat{Cascade: cascade},
			Priority:   models.PriorityHigh,
		},
		Snapshot: models.Record{"id": chatID, "deleted": true},
	}, opts)
}

// SendMessage posts a user message. chatID may be the temp id of a chat
// that is still being created.
func (c *Coordinator) SendMessage(ctx context.Context, chatID, content string, opts ...MutationOption) (*Result, error) {
	tempID := uuid.NewTempID()
	now := c.nowMillis()
	return c.mutate(ctx, Mutation{
		Operation: Operation{
			Operation:  models.OperationCreate,
			EntityType: models.EntityMessage,
			TempID:     tempID,
			Payload:    models.CreateMessage{ChatID: chatID, Role: models.RoleUser, Content: content},
			Priority:   models.PriorityCritical,
		},
		Snapshot: models.Record{
			"id":        tempID,
			"chatId":    chatID,
			"role":      string(models.RoleUser),
			"content":   content,
			"status":    "sending",
			"createdAt": now,
			"updatedAt": now,
		},
	}, opts)
}

// EditMessage replaces a message's content.
func (c *Coordinator) EditMessage(ctx context.Context, messageID, content string, opts ...MutationOption) (*Result, error) {
	return c.mutate(ctx, Mutation{
		Operation: Operation{
			Operation:  models.OperationUpdate,
			EntityType: models.EntityMessage,
			EntityID:   messageID,
			Payload:    models.UpdateMessage{Content: &content},
			Priority:   models.PriorityHigh,
		},
		Snapshot: models.Record{"id": messageID, "content": content, "updatedAt": c.nowMillis()},
	}, opts)
}

// DeleteMessage deletes a message from a chat.
func (c *Coordinator) DeleteMessage(ctx context.Context, chatID, messageID string, opts ...MutationOption) (*Result, error) {
	return c.mutate(ctx, Mutation{
		Operation: Operation{
			Operation:  models.OperationDelete,
			EntityType: models.EntityMessage,
			EntityID:   messageID,
			Payload:    models.DeleteMessage{ChatID: chatID},
			Priority:   models.PriorityHigh,
		},
		Snapshot: models.Record{"id": messageID, "chatId": chatID, "deleted": true},
	}, opts)
}

// UpdateProfile changes the user's profile.
func (c *Coordinator) UpdateProfile(ctx context.Context, userID string, update models.UpdateUser, opts ...MutationOption) (*Result, error) {
	snap := update.Fields()
	snap["id"] = userID
	snap["updatedAt"] = c.nowMillis()
	return c.mutate(ctx, Mutation{
		Operation: Operation{
			Operation:  models.OperationUpdate,
			EntityType: models.EntityUser,
			EntityID:   userID,
			Payload:    update,
			Priority:   models.PriorityLow,
		},
		Snapshot: snap,
	}, opts)
}
