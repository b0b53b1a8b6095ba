package concurrency

import "context"

// Client hands out locks shared between all foreman instances using the same
// backend.
type Client interface {
	// Lock blocks until key is held. The returned func releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	Close() error
}
