package models

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
)

// Kind is the (operation, entity type) pair a payload is valid for.
type Kind struct {
	Operation  Operation
	EntityType EntityType
}

func (k Kind) String() string {
	return string(k.Operation) + "/" + string(k.EntityType)
}

// Payload is the closed set of mutation bodies. Each concrete type is valid
// for exactly one Kind, so a queue item can never pair, say, a message body
// with a chat delete.
type Payload interface {
	Kind() Kind
	// Validate checks the payload in isolation.
	Validate() error
	// Fields returns the entity fields this payload sets.
	Fields() Record

	payloadType() string
}

// CreateChat starts a new conversation.
type CreateChat struct {
	Title        string `json:"title"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

func (CreateChat) Kind() Kind          { return Kind{OperationCreate, EntityChat} }
func (CreateChat) payloadType() string { return "create_chat" }

func (p CreateChat) Validate() error {
	if len(p.Title) > 200 {
		return invalid("chat title exceeds 200 characters")
	}
	return nil
}

func (p CreateChat) Fields() Record {
	r := Record{"title": p.Title}
	if p.Model != "" {
		r["model"] = p.Model
	}
	if p.SystemPrompt != "" {
		r["systemPrompt"] = p.SystemPrompt
	}
	return r
}

// UpdateChat changes chat metadata. Nil fields are left untouched.
type UpdateChat struct {
	Title    *string `json:"title,omitempty"`
	Model    *string `json:"model,omitempty"`
	Pinned   *bool   `json:"pinned,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

func (UpdateChat) Kind() Kind          { return Kind{OperationUpdate, EntityChat} }
func (UpdateChat) payloadType() string { return "update_chat" }

func (p UpdateChat) Validate() error {
	if len(p.Fields()) == 0 {
		return invalid("chat update sets no fields")
	}
	if p.Title != nil && len(*p.Title) > 200 {
		return invalid("chat title exceeds 200 characters")
	}
	return nil
}

func (p UpdateChat) Fields() Record {
	r := Record{}
	if p.Title != nil {
		r["title"] = *p.Title
	}
	if p.Model != nil {
		r["model"] = *p.Model
	}
	if p.Pinned != nil {
		r["pinned"] = *p.Pinned
	}
	if p.Archived != nil {
		r["archived"] = *p.Archived
	}
	return r
}

// DeleteChat removes a conversation, optionally with its messages.
type DeleteChat struct {
	Cascade bool `json:"cascade"`
}

func (DeleteChat) Kind() Kind          { return Kind{OperationDelete, EntityChat} }
func (DeleteChat) payloadType() string { return "delete_chat" }
func (DeleteChat) Validate() error     { return nil }
func (DeleteChat) Fields() Record      { return Record{} }

// CreateMessage appends a message to a chat.
type CreateMessage struct {
	ChatID  string      `json:"chatId"`
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

func (CreateMessage) Kind() Kind          { return Kind{OperationCreate, EntityMessage} }
func (CreateMessage) payloadType() string { return "create_message" }

func (p CreateMessage) Validate() error {
	if p.ChatID == "" {
		return invalid("message requires a chat id")
	}
	switch p.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return invalid(fmt.Sprintf("unknown message role %q", p.Role))
	}
	if strings.TrimSpace(p.Content) == "" {
		return invalid("message content is empty")
	}
	return nil
}

func (p CreateMessage) Fields() Record {
	return Record{"chatId": p.ChatID, "role": string(p.Role), "content": p.Content}
}

// UpdateMessage edits a message. Nil fields are left untouched.
type UpdateMessage struct {
	Content *string `json:"content,omitempty"`
	Status  *string `json:"status,omitempty"`
}

func (UpdateMessage) Kind() Kind          { return Kind{OperationUpdate, EntityMessage} }
func (UpdateMessage) payloadType() string { return "update_message" }

func (p UpdateMessage) Validate() error {
	if len(p.Fields()) == 0 {
		return invalid("message update sets no fields")
	}
	if p.Content != nil && strings.TrimSpace(*p.Content) == "" {
		return invalid("message content is empty")
	}
	return nil
}

func (p UpdateMessage) Fields() Record {
	r := Record{}
	if p.Content != nil {
		r["content"] = *p.Content
	}
	if p.Status != nil {
		r["status"] = *p.Status
	}
	return r
}

// DeleteMessage removes a message.
type DeleteMessage struct {
	ChatID string `json:"chatId,omitempty"`
}

func (DeleteMessage) Kind() Kind          { return Kind{OperationDelete, EntityMessage} }
func (DeleteMessage) payloadType() string { return "delete_message" }
func (DeleteMessage) Validate() error     { return nil }
func (DeleteMessage) Fields() Record      { return Record{} }

// UpdateUser edits the profile. Preferences are merged key by key.
type UpdateUser struct {
	DisplayName *string           `json:"displayName,omitempty"`
	AvatarURL   *string           `json:"avatarUrl,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

func (UpdateUser) Kind() Kind          { return Kind{OperationUpdate, EntityUser} }
func (UpdateUser) payloadType() string { return "update_user" }

func (p UpdateUser) Validate() error {
	if len(p.Fields()) == 0 {
		return invalid("profile update sets no fields")
	}
	if p.DisplayName != nil && strings.TrimSpace(*p.DisplayName) == "" {
		return invalid("display name is empty")
	}
	return nil
}

func (p UpdateUser) Fields() Record {
	r := Record{}
	if p.DisplayName != nil {
		r["displayName"] = *p.DisplayName
	}
	if p.AvatarURL != nil {
		r["avatarUrl"] = *p.AvatarURL
	}
	if len(p.Preferences) > 0 {
		prefs := make(map[string]any, len(p.Preferences))
		for k, v := range p.Preferences {
			prefs[k] = v
		}
		r["preferences"] = prefs
	}
	return r
}

// BatchCreateMessages imports several messages into one chat.
type BatchCreateMessages struct {
	ChatID   string          `json:"chatId"`
	Messages []CreateMessage `json:"messages"`
}

func (BatchCreateMessages) Kind() Kind          { return Kind{OperationBatchCreate, EntityMessage} }
func (BatchCreateMessages) payloadType() string { return "batch_create_messages" }

func (p BatchCreateMessages) Validate() error {
	if p.ChatID == "" {
		return invalid("batch requires a chat id")
	}
	if len(p.Messages) == 0 {
		return invalid("batch contains no messages")
	}
	for i, m := range p.Messages {
		if m.ChatID != "" && m.ChatID != p.ChatID {
			return invalid(fmt.Sprintf("message %d belongs to chat %q", i, m.ChatID))
		}
		m.ChatID = p.ChatID
		if err := m.Validate(); err != nil {
			return invalid(fmt.Sprintf("message %d: %s", i, reason(err)))
		}
	}
	return nil
}

func (p BatchCreateMessages) Fields() Record {
	msgs := make([]any, 0, len(p.Messages))
	for _, m := range p.Messages {
		m.ChatID = p.ChatID
		msgs = append(msgs, map[string]any(m.Fields()))
	}
	return Record{"chatId": p.ChatID, "messages": msgs}
}

// MessagePatch is one entry of a BatchUpdateMessages payload.
type MessagePatch struct {
	ID     string        `json:"id"`
	Update UpdateMessage `json:"update"`
}

// BatchUpdateMessages edits several messages at once.
type BatchUpdateMessages struct {
	Updates []MessagePatch `json:"updates"`
}

func (BatchUpdateMessages) Kind() Kind          { return Kind{OperationBatchUpdate, EntityMessage} }
func (BatchUpdateMessages) payloadType() string { return "batch_update_messages" }

func (p BatchUpdateMessages) Validate() error {
	if len(p.Updates) == 0 {
		return invalid("batch contains no updates")
	}
	for i, u := range p.Updates {
		if u.ID == "" {
			return invalid(fmt.Sprintf("update %d has no message id", i))
		}
		if err := u.Update.Validate(); err != nil {
			return invalid(fmt.Sprintf("update %d: %s", i, reason(err)))
		}
	}
	return nil
}

func (p BatchUpdateMessages) Fields() Record {
	updates := make([]any, 0, len(p.Updates))
	for _, u := range p.Updates {
		updates = append(updates, map[string]any{"id": u.ID, "fields": map[string]any(u.Update.Fields())})
	}
	return Record{"updates": updates}
}

// ResolvedFields writes back the outcome of a conflict resolution.
type ResolvedFields struct {
	Entity EntityType `json:"entity"`
	Values Record     `json:"values"`
}

func (p ResolvedFields) Kind() Kind        { return Kind{OperationUpdate, p.Entity} }
func (ResolvedFields) payloadType() string { return "resolved_fields" }

func (p ResolvedFields) Validate() error {
	if !p.Entity.Valid() {
		return invalid(fmt.Sprintf("unknown entity type %q", p.Entity))
	}
	if len(p.Values) == 0 {
		return invalid("resolution carries no fields")
	}
	return nil
}

func (p ResolvedFields) Fields() Record { return p.Values.Clone() }

var payloadFactories = map[string]func() Payload{
	"create_chat":           func() Payload { return &CreateChat{} },
	"update_chat":           func() Payload { return &UpdateChat{} },
	"delete_chat":           func() Payload { return &DeleteChat{} },
	"create_message":        func() Payload { return &CreateMessage{} },
	"update_message":        func() Payload { return &UpdateMessage{} },
	"delete_message":        func() Payload { return &DeleteMessage{} },
	"update_user":           func() Payload { return &UpdateUser{} },
	"batch_create_messages": func() Payload { return &BatchCreateMessages{} },
	"batch_update_messages": func() Payload { return &BatchUpdateMessages{} },
	"resolved_fields":       func() Payload { return &ResolvedFields{} },
}

// CheckKind validates p and verifies it matches the item's operation and entity type.
func CheckKind(op Operation, entity EntityType, p Payload) error {
	if p == nil {
		return invalid("payload is required")
	}
	want := Kind{op, entity}
	if got := p.Kind(); got != want {
		return invalid(fmt.Sprintf("payload %s does not match %s", got, want))
	}
	return p.Validate()
}

type payloadEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes p with its type tag.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, invalid("payload is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Type: p.payloadType(), Data: data})
}

// DecodePayload restores a payload written by EncodePayload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptData, "payload envelope", err)
	}
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCorruptData, fmt.Sprintf("unknown payload type %q", env.Type))
	}
	ptr := factory()
	if err := json.Unmarshal(env.Data, ptr); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptData, "payload "+env.Type, err)
	}
	return deref(ptr), nil
}

// deref turns the *T built by a factory into the value type T, so decoded
// payloads compare equal to the ones that were encoded.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *CreateChat:
		return *v
	case *UpdateChat:
		return *v
	case *DeleteChat:
		return *v
	case *CreateMessage:
		return *v
	case *UpdateMessage:
		return *v
	case *DeleteMessage:
		return *v
	case *UpdateUser:
		return *v
	case *BatchCreateMessages:
		return *v
	case *BatchUpdateMessages:
		return *v
	case *ResolvedFields:
		return *v
	}
	return p
}

func invalid(msg string) error {
	return apperrors.New(apperrors.ErrValidation, msg)
}

func reason(err error) string {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
