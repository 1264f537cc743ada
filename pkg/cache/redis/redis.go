// Package redis implements cache.Store on a Redis keyspace.
//
// Layout under the configured prefix:
//
//	<prefix>:entry:<fp>  msgpack-encoded entry with a native PX expiry
//	<prefix>:lru         sorted set of fingerprints scored by last access (µs)
//	<prefix>:sizes       hash of fingerprint -> body size
//	<prefix>:bytes       running total of stored body bytes
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/cache"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

// DefaultPrefix is used when Options.Prefix is empty.
const DefaultPrefix = "fishtank"

var ErrNilClient = errors.New("redis cache: nil client")

// putScript stores an entry and pops least recently used members until the
// byte bound holds.
// KEYS[1] = entry key, KEYS[2] = lru, KEYS[3] = sizes, KEYS[4] = bytes
// ARGV[1] = fingerprint, ARGV[2] = value, ARGV[3] = ttl ms, ARGV[4] = size,
// ARGV[5] = score, ARGV[6] = max bytes, ARGV[7] = entry key prefix
var putScript = goredis.NewScript(`
	local old = redis.call('HGET', KEYS[3], ARGV[1])
	if old then
		redis.call('DECRBY', KEYS[4], old)
	end
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
	local total = redis.call('INCRBY', KEYS[4], ARGV[4])
	local max = tonumber(ARGV[6])
	local evicted = 0
	while total > max do
		local popped = redis.call('ZPOPMIN', KEYS[2])
		if #popped == 0 then
			break
		end
		local member = popped[1]
		local size = redis.call('HGET', KEYS[3], member)
		redis.call('HDEL', KEYS[3], member)
		redis.call('DEL', ARGV[7] .. member)
		if size then
			total = redis.call('DECRBY', KEYS[4], size)
		end
		evicted = evicted + 1
	end
	return evicted
`)

// removeScript drops an entry and its bookkeeping.
// KEYS as putScript; ARGV[1] = fingerprint
var removeScript = goredis.NewScript(`
	local size = redis.call('HGET', KEYS[3], ARGV[1])
	redis.call('HDEL', KEYS[3], ARGV[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	local n = redis.call('DEL', KEYS[1])
	if size then
		redis.call('DECRBY', KEYS[4], size)
		return 1
	end
	return n
`)

// dropScript runs removeScript's cleanup only while the entry key still holds
// the value the caller read; an empty ARGV[2] means the key was missing. A put
// that lands in between is left alone.
// KEYS as putScript; ARGV[1] = fingerprint, ARGV[2] = value read
var dropScript = goredis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if cur and cur ~= ARGV[2] then
		return 0
	end
	local size = redis.call('HGET', KEYS[3], ARGV[1])
	redis.call('HDEL', KEYS[3], ARGV[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	local n = redis.call('DEL', KEYS[1])
	if size then
		redis.call('DECRBY', KEYS[4], size)
		return 1
	end
	return n
`)

// Store is a cache.Store backed by Redis.
type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
	prefix      string
	maxBytes    int64
	clock       cache.Clock
	logger      *zap.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Options configures a Store.
type Options struct {
	Client goredis.UniversalClient
	// CloseClient is set only when the store exclusively owns the client.
	CloseClient bool
	Prefix      string
	MaxBytes    int64
	Clock       cache.Clock
	Logger      *zap.Logger
}

// New returns a Store using opts.Client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, ErrNilClient
	}
	if opts.MaxBytes <= 0 {
		return nil, cache.ErrInvalidMaxBytes
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rdb:         opts.Client,
		closeClient: opts.CloseClient,
		prefix:      prefix,
		maxBytes:    opts.MaxBytes,
		clock:       opts.Clock,
		logger:      logger.With(zap.String("component", "cache.redis")),
	}, nil
}

func (s *Store) entryPrefix() string { return s.prefix + ":entry:" }
func (s *Store) lruKey() string      { return s.prefix + ":lru" }
func (s *Store) sizesKey() string    { return s.prefix + ":sizes" }
func (s *Store) bytesKey() string    { return s.prefix + ":bytes" }

func (s *Store) keys(member string) []string {
	return []string{s.entryPrefix() + member, s.lruKey(), s.sizesKey(), s.bytesKey()}
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Get returns the entry for fp. Redis faults are logged and reported as a miss.
func (s *Store) Get(ctx context.Context, fp models.Fingerprint) (models.CacheEntry, bool) {
	member := fp.String()
	now := s.clock.Now()

	raw, err := s.rdb.Get(ctx, s.entryPrefix()+member).Bytes()
	if errors.Is(err, goredis.Nil) {
		// The native expiry may have fired before the bookkeeping was cleaned.
		s.drop(ctx, member, nil)
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}
	if err != nil {
		s.logger.Warn("cache read failed, treating as miss", zap.String("fingerprint", fp.Short()), zap.Error(err))
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}

	var e models.CacheEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		s.logger.Warn("dropping undecodable entry", zap.String("fingerprint", fp.Short()), zap.Error(err))
		s.drop(ctx, member, raw)
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}
	if e.Expired(now) {
		s.drop(ctx, member, raw)
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}

	if err := s.rdb.ZAddXX(ctx, s.lruKey(), goredis.Z{Score: score(now), Member: member}).Err(); err != nil {
		s.logger.Warn("touch entry failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
	}

	e.Fingerprint = fp
	e.LastAccess = now
	s.hits.Add(1)
	return e, true
}

// Put stores body under fp with a native expiry of ttl.
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
	now := s.clock.Now()

	raw, err := msgpack.Marshal(models.CacheEntry{
		Body:      body,
		StoredAt:  now,
		TTL:       ttl,
		SizeBytes: size,
	})
	if err != nil {
		return fmt.Errorf("cache put: encode: %w", err)
	}

	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}
	member := fp.String()
	evicted, err := putScript.Run(ctx, s.rdb, s.keys(member),
		member, raw, ttlMs, size, score(now), s.maxBytes, s.entryPrefix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if evicted > 0 {
		s.evictions.Add(evicted)
		s.logger.Debug("evicted least recently used entries", zap.Int64("count", evicted))
	}
	return nil
}

// drop removes member if its entry key still holds raw (or is still missing
// when raw is nil) and reports whether anything was removed.
func (s *Store) drop(ctx context.Context, member string, raw []byte) bool {
	n, err := dropScript.Run(ctx, s.rdb, s.keys(member), member, raw).Int64()
	if err != nil {
		s.logger.Warn("remove entry failed", zap.String("fingerprint", member), zap.Error(err))
		return false
	}
	return n > 0
}

// EvictExpired removes entries whose TTL has elapsed, including bookkeeping
// left behind by Redis's own expiry.
func (s *Store) EvictExpired(ctx context.Context) (int, error) {
	members, err := s.rdb.ZRange(ctx, s.lruKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("cache evict expired: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	cmds, err := s.fetch(ctx, members)
	if err != nil {
		return 0, fmt.Errorf("cache evict expired: %w", err)
	}

	now := s.clock.Now()
	removed := 0
	for i, member := range members {
		raw, err := cmds[i].Bytes()
		if err == nil {
			var e models.CacheEntry
			if msgpack.Unmarshal(raw, &e) == nil && !e.Expired(now) {
				continue
			}
		} else if !errors.Is(err, goredis.Nil) {
			return removed, fmt.Errorf("cache evict expired: %w", err)
		}
		if s.drop(ctx, member, raw) {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) fetch(ctx context.Context, members []string) ([]*goredis.StringCmd, error) {
	cmds := make([]*goredis.StringCmd, len(members))
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = p.Get(ctx, s.entryPrefix()+m)
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}
	return cmds, nil
}

func (s *Store) Delete(ctx context.Context, fp models.Fingerprint) error {
	member := fp.String()
	if err := removeScript.Run(ctx, s.rdb, s.keys(member), member).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes every key under the store's prefix.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.entryPrefix()+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	batch = append(batch, s.lruKey(), s.sizesKey(), s.bytesKey())
	if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Entries lists entry metadata, most recently used first.
func (s *Store) Entries(ctx context.Context) ([]models.CacheEntry, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, s.lruKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache entries: %w", err)
	}
	members := make([]string, len(zs))
	for i, z := range zs {
		members[i], _ = z.Member.(string)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds, err := s.fetch(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("cache entries: %w", err)
	}

	out := make([]models.CacheEntry, 0, len(members))
	for i, member := range members {
		raw, err := cmds[i].Bytes()
		if err != nil {
			continue
		}
		fp, err := models.ParseFingerprint(member)
		if err != nil {
			continue
		}
		var e models.CacheEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			continue
		}
		e.Fingerprint = fp
		e.Body = nil
		e.LastAccess = time.UnixMicro(int64(zs[i].Score)).UTC()
		out = append(out, e)
	}
	return out, nil
}

// Stats reports stored entries and bytes. Hit and miss counts are per process.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var (
		card  *goredis.IntCmd
		total *goredis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		card = p.ZCard(ctx, s.lruKey())
		total = p.Get(ctx, s.bytesKey())
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	bytes, err := total.Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries:   card.Val(),
		Bytes:     bytes,
		MaxBytes:  s.maxBytes,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}, nil
}

// Close releases the client only when the store owns it.
func (s *Store) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

var _ cache.Store = (*Store)(nil)
