// Package kvstore is the eventually consistent key-value store shared by the
// edge cache, the dynamic blocklist and actor state persistence.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the minimal contract every backend satisfies. A zero ttl on Put
// means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
