package domain

import (
	"context"
	"errors"
)

// CleanupResult reports one retention sweep.
type CleanupResult struct {
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// Registry guarantees at-most-once execution of named side-effecting
// operations across process restarts and concurrent workers.
//
// Error semantics are deliberately asymmetric: read-only checks fail open
// (a transient store fault must not block a billing-critical write path,
// downstream consumers tolerate the occasional duplicate), while lock
// acquisition fails closed (an unknown lock state must never be treated as
// acquired).
type Registry interface {
	// IsProcessed reports whether (key, eventType) was already handled. It
	// never returns an error: store faults are logged and read as "not
	// processed".
	IsProcessed(ctx context.Context, key, eventType string) bool

	// AcquireLock attempts to claim (key, eventType). It returns false with a
	// nil error when another caller already holds or held the lock, and a
	// non-nil error only for faults that leave the lock state unknown.
	AcquireLock(ctx context.Context, key, eventType string, metadata map[string]any) (bool, error)

	// ReleaseLock deletes the lock record so the operation can be retried.
	// Best effort: failures are swallowed, degrading toward under-processing
	// rather than duplicate billing.
	ReleaseLock(ctx context.Context, key, eventType string)

	// MarkProcessed records completion. A no-op against the store when an
	// acquire already persisted the record; always refreshes the cache.
	MarkProcessed(ctx context.Context, key, eventType string, metadata map[string]any) error

	// Cleanup deletes records older than retentionDays (default 90), in
	// bounded batches.
	Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error)
}

var (
	ErrInvalidKey       = errors.New("invalid_event_key")
	ErrInvalidEventType = errors.New("invalid_event_type")
)
