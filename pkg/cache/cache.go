// Package cache defines the durable key/response store used by the gateway.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

var (
	// ErrEntryTooLarge is returned by Put when a single body exceeds the store bound.
	ErrEntryTooLarge = errors.New("cache: entry exceeds max size")
	// ErrInvalidMaxBytes is returned by constructors given a non-positive bound.
	ErrInvalidMaxBytes = errors.New("cache: max bytes must be greater than 0")
)

// Store is a fingerprint-keyed response store with TTL expiry and an LRU byte bound.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Get never returns an error: backend faults are logged and reported as a miss.
//     Expired entries are never returned. A hit refreshes the entry's recency.
//   - Put overwrites, stores nothing when ttl <= 0, and evicts least recently
//     used entries until the total size is within the bound.
//   - Entries handed out are copies; callers may mutate them freely.
type Store interface {
	Get(ctx context.Context, fp models.Fingerprint) (models.CacheEntry, bool)
	Put(ctx context.Context, fp models.Fingerprint, body []byte, ttl time.Duration) error
	// EvictExpired removes all expired entries and returns how many were removed.
	EvictExpired(ctx context.Context) (int, error)
	// Delete removes one entry. Idempotent.
	Delete(ctx context.Context, fp models.Fingerprint) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Entries lists entry metadata, most recently used first. Bodies are omitted.
	Entries(ctx context.Context) ([]models.CacheEntry, error)
	Stats(ctx context.Context) (models.CacheStats, error)
	Close() error
}

// Clock returns the current time. Stores accept one so tests can control expiry.
type Clock func() time.Time

// Now returns c's time, falling back to time.Now for a nil Clock.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
