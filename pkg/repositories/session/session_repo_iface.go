package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is missing or expired.
var ErrNotFound = errors.New("session: key not found")

// Store is a TTL-bound key/value store for login states and launch sessions.
// Values are opaque bytes (JSON encoded by the caller).
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl. ttl must be positive.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take atomically returns and deletes the value under key. Two concurrent
	// Takes of the same key never both succeed; the loser gets ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error
	// Close releases resources.
	Close() error
}
