// Package kv provides the remote credential backend: an external durable
// key-value service used to bootstrap credentials on a fresh host and to
// persist them after a successful refresh. It is not a cache: it is the
// cross-host source of truth, consulted only at bootstrap and after refresh.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent from the backend.
var ErrNotFound = errors.New("key not found in remote backend")

// Backend is the minimal contract the token manager needs from the remote
// service. Implementations must be safe for concurrent use.
type Backend interface {
	// Get retrieves the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value under key, overwriting any existing value.
	Put(ctx context.Context, key, value string) error

	// Close releases resources held by the backend.
	Close() error
}
