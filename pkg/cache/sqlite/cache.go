package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/cache"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

// FileName is the database file created inside the cache directory.
const FileName = "cache.db"

// Store is a persistent response cache backed by SQLite.
type Store struct {
	db        *sql.DB
	maxBytes  int64
	clock     cache.Clock
	logger    *zap.Logger
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Options configures a Store.
type Options struct {
	// Dir is created if missing; the database lives at Dir/cache.db.
	Dir      string
	MaxBytes int64
	Clock    cache.Clock
	Logger   *zap.Logger
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	body BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	ttl_ns INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	last_access INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_access ON cache_entries(last_access);
`

// busyTimeout makes a connection wait for another process's lock instead of
// failing with SQLITE_BUSY.
const busyTimeout = "?_pragma=busy_timeout(5000)"

// New opens (or creates) the cache database in opts.Dir.
func New(opts Options) (*Store, error) {
	if opts.MaxBytes <= 0 {
		return nil, cache.ErrInvalidMaxBytes
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(opts.Dir, FileName)+busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection serializes every read-modify-write on the table.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		db:       db,
		maxBytes: opts.MaxBytes,
		clock:    opts.Clock,
		logger:   logger.With(zap.String("component", "cache.sqlite")),
	}, nil
}

// Get returns the entry for fp. Any database fault is logged and treated as a miss.
func (s *Store) Get(ctx context.Context, fp models.Fingerprint) (models.CacheEntry, bool) {
	now := s.clock.Now()
	key := fp.String()

	var (
		body       []byte
		storedAt   int64
		ttlNs      int64
		sizeBytes  int64
		lastAccess int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT body, stored_at, ttl_ns, size_bytes, last_access FROM cache_entries WHERE fingerprint = ?`,
		key,
	).Scan(&body, &storedAt, &ttlNs, &sizeBytes, &lastAccess)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("cache read failed, treating as miss", zap.String("fingerprint", fp.Short()), zap.Error(err))
		}
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}

	entry := models.CacheEntry{
		Fingerprint: fp,
		Body:        body,
		StoredAt:    time.Unix(0, storedAt).UTC(),
		TTL:         time.Duration(ttlNs),
		SizeBytes:   sizeBytes,
		LastAccess:  now,
	}
	if entry.Expired(now) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ? AND stored_at = ?`, key, storedAt); err != nil {
			s.logger.Warn("delete expired entry failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
		}
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET last_access = ? WHERE fingerprint = ?`, now.UnixNano(), key); err != nil {
		s.logger.Warn("touch entry failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
	}

	s.hits.Add(1)
	return entry, true
}

// Put stores body under fp and evicts least recently used rows beyond the bound.
func (s *Store) Put(ctx context.Context, fp models.Fingerprint, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	size := int64(len(body))
	if size > s.maxBytes {
		// The previous body for fp must not outlive a rejected overwrite.
		if err := s.Delete(ctx, fp); err != nil {
			s.logger.Warn("drop replaced entry failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
		}
		return cache.ErrEntryTooLarge
	}
	now := s.clock.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache put: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, body, stored_at, ttl_ns, size_bytes, last_access)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fp.String(), body, now, int64(ttl), size, now,
	); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	evicted, err := s.enforceBound(ctx, tx)
	if err != nil {
		return fmt.Errorf("cache put: evict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache put: commit: %w", err)
	}
	if evicted > 0 {
		s.evictions.Add(int64(evicted))
		s.logger.Debug("evicted least recently used entries", zap.Int("count", evicted))
	}
	return nil
}

// enforceBound deletes the oldest-accessed rows until the total size fits.
func (s *Store) enforceBound(ctx context.Context, tx *sql.Tx) (int, error) {
	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&total); err != nil {
		return 0, err
	}

	evicted := 0
	for total > s.maxBytes {
		var (
			key  string
			size int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT fingerprint, size_bytes FROM cache_entries ORDER BY last_access ASC, stored_at ASC LIMIT 1`,
		).Scan(&key, &size)
		if err != nil {
			return evicted, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, key); err != nil {
			return evicted, err
		}
		total -= size
		evicted++
	}
	return evicted, nil
}

// EvictExpired removes all entries whose TTL has elapsed.
func (s *Store) EvictExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE stored_at + ttl_ns <= ?`, s.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache evict expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Delete(ctx context.Context, fp models.Fingerprint) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fp.String()); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes all cache entries.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Entries lists entry metadata, most recently used first.
func (s *Store) Entries(ctx context.Context) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, stored_at, ttl_ns, size_bytes, last_access FROM cache_entries ORDER BY last_access DESC`)
	if err != nil {
		return nil, fmt.Errorf("cache entries: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		var (
			key                                 string
			storedAt, ttlNs, size, lastAccessNs int64
		)
		if err := rows.Scan(&key, &storedAt, &ttlNs, &size, &lastAccessNs); err != nil {
			return nil, fmt.Errorf("cache entries: %w", err)
		}
		fp, err := models.ParseFingerprint(key)
		if err != nil {
			s.logger.Warn("skipping row with invalid fingerprint", zap.String("fingerprint", key))
			continue
		}
		out = append(out, models.CacheEntry{
			Fingerprint: fp,
			StoredAt:    time.Unix(0, storedAt).UTC(),
			TTL:         time.Duration(ttlNs),
			SizeBytes:   size,
			LastAccess:  time.Unix(0, lastAccessNs).UTC(),
		})
	}
	return out, rows.Err()
}

// Stats returns cache performance metrics. Hit and miss counts are per process.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var count, total int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&count, &total)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries:   count,
		Bytes:     total,
		MaxBytes:  s.maxBytes,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ cache.Store = (*Store)(nil)
