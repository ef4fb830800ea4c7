// Package remote defines the remote-write capability the sync coordinator
// drives, and an in-process versioned backend implementing it.
package remote

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/models"
)

// Request is one mutation sent to the backend.
type Request struct {
	// IdempotencyKey lets the backend recognise a replayed write.
	IdempotencyKey string
	Operation      models.Operation
	EntityType     models.EntityType
	EntityID       string
	TempID         string
	// BaseVersion is the version the change was made against; 0 skips the check.
	BaseVersion int64
	Payload     models.Payload
}

// Response is the backend's view of the entity after the write.
type Response struct {
	EntityID string
	Version  int64
	Record   models.Record
	// IDs lists created entity ids for batch creates.
	IDs []string
}

// Writer performs remote writes. Errors are classified with
// errors.Classify; a version mismatch is reported as *ConflictError.
type Writer interface {
	Write(ctx context.Context, req Request) (*Response, error)
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, req Request) (*Response, error)

// Write calls f.
func (f WriterFunc) Write(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ConflictError reports that the remote entity moved past BaseVersion.
type ConflictError struct {
	EntityType    models.EntityType
	EntityID      string
	BaseVersion   int64
	RemoteVersion int64
	Remote        models.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s: base %d, remote %d",
		e.EntityType, e.EntityID, e.BaseVersion, e.RemoteVersion)
}

// Category marks version conflicts for errors.Classify.
func (e *ConflictError) Category() apperrors.Category {
	return apperrors.CategoryConflict
}
