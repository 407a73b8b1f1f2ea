package storage

import (
	"context"
	"time"
)

// DedupWindow is the short-lived set of idempotency keys the gateway uses to
// drop re-emitted sends. Implementations: memory.Window (one process) and
// redis.Client (shared by every gateway process).
type DedupWindow interface {
	// Seen reports whether key is registered and not yet expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Register inserts key for ttl. It returns false, without touching the
	// existing entry, when key is already live.
	Register(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release removes key before its expiry.
	Release(ctx context.Context, key string) error
	Close() error
}
