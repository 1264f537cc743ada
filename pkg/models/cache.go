package models

import (
	"encoding/hex"
	"fmt"
	"time"
)

// FingerprintSize is the length in bytes of a Fingerprint.
const FingerprintSize = 32

// Fingerprint is a content-derived cache key.
type Fingerprint [FingerprintSize]byte

// String returns the lowercase hex form of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint parses the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(b) != FingerprintSize {
		return f, fmt.Errorf("parse fingerprint: want %d bytes, got %d", FingerprintSize, len(b))
	}
	copy(f[:], b)
	return f, nil
}

// CacheEntry stores a cached response body with its expiry metadata.
type CacheEntry struct {
	Fingerprint Fingerprint   `json:"fingerprint" msgpack:"-"`
	Body        []byte        `json:"body,omitempty" msgpack:"b"`
	StoredAt    time.Time     `json:"stored_at" msgpack:"s"`
	TTL         time.Duration `json:"ttl" msgpack:"t"`
	SizeBytes   int64         `json:"size_bytes" msgpack:"n"`
	LastAccess  time.Time     `json:"last_access" msgpack:"-"`
}

// ExpiresAt returns the instant after which the entry must not be served.
func (e CacheEntry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries   int64 `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// HitRate returns hits as a percentage of all lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
