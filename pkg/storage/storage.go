package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExpired  = errors.New("storage expired, ownership data is gone")
)

// Storage holds the ownership mapping node -> claimed items.
//
// Implementations are not required to serialize callers; table.Table does.
// ClaimItem must only record the item if no node holds it yet.
type Storage interface {
	EnsureNode(ctx context.Context, node string) error
	ClaimItem(ctx context.Context, node, item string) (bool, error)
	Snapshot(ctx context.Context) (map[string][]string, error)
	RemoveItems(ctx context.Context, node string, items []string) error
	RemoveNode(ctx context.Context, node string) (bool, error)
	Close() error
}

// Expirer is implemented by backends whose data can vanish underneath the
// server. The returned channel is closed once that happened.
type Expirer interface {
	Expired() <-chan struct{}
}
