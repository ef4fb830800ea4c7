// Package storage provides the durable key-value capability the offline
// queue persists its snapshot into.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kimhsiao/chatsync/backend/internal/logging"
)

// ErrNotFound is returned by Get when the key has never been written or was deleted.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Open creates the store for driver. path is a directory for "file" and a
// database directory for "sqlite"; it is ignored for "memory".
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverFile:
		return NewFile(path)
	case DriverSQLite:
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

// OpenOrMemory is Open, falling back to an in-memory store when the durable
// store cannot be opened. The returned flag reports whether it degraded.
func OpenOrMemory(driver, path string) (Store, bool) {
	s, err := Open(driver, path)
	if err == nil {
		return s, false
	}
	logging.Warn("Durable storage unavailable, persisting in memory", map[string]interface{}{
		"driver": driver,
		"path":   path,
		"error":  err.Error(),
	})
	return NewMemory(), true
}
