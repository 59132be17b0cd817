// Package store provides the key-value persistence layer for ClubLink
// session state and credentials.
//
// The SDK treats storage as an external collaborator: a small contract with
// pluggable backends. Hosts with no durable storage use MemoryStore; desktop
// and CLI hosts use FileStore; multi-process hosts can share a RedisStore.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no value exists for the key.
	ErrNotFound = errors.New("store: key not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is the persistence contract shared by the agent, the session
// machine, and the refresh engine.
//
// Requirements:
//   - Get on a missing key returns ErrNotFound (never an empty value).
//   - Writes are last-writer-wins; there is no transactional grouping.
//   - Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}
