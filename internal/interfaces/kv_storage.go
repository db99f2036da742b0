package interfaces

import (
	"context"
	"time"
)

// KeyValueStore defines the opaque key/value collaborator used for job
// records and persisted monitor aggregates. Failures are non-fatal to
// callers: persistence is best-effort and no strong consistency is assumed.
//
// A zero ttl means the entry does not expire.
type KeyValueStore interface {
	// Get retrieves a value by key, returns ErrKeyNotFound if absent or expired
	Get(ctx context.Context, key string) (string, error)

	// Set inserts or updates a key with an optional TTL
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// SetNX sets the key only if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Delete removes a key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// ListByPrefix returns all live entries whose keys start with prefix
	ListByPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Close releases the underlying store
	Close() error
}
