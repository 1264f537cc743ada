package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

// Memory is an in-process LRU store bounded by total body bytes.
type Memory struct {
	maxBytes int64
	clock    Clock
	logger   *zap.Logger

	mu        sync.Mutex
	ll        *list.List // front = most recently used
	items     map[models.Fingerprint]*list.Element
	bytes     int64
	hits      int64
	misses    int64
	evictions int64
}

// MemoryOptions configures a Memory store.
type MemoryOptions struct {
	// MaxBytes bounds the sum of stored body sizes. Must be > 0.
	MaxBytes int64
	Clock    Clock
	Logger   *zap.Logger
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts MemoryOptions) (*Memory, error) {
	if opts.MaxBytes <= 0 {
		return nil, ErrInvalidMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		maxBytes: opts.MaxBytes,
		clock:    opts.Clock,
		logger:   logger.With(zap.String("component", "cache.memory")),
		ll:       list.New(),
		items:    make(map[models.Fingerprint]*list.Element),
	}, nil
}

func (m *Memory) Get(_ context.Context, fp models.Fingerprint) (models.CacheEntry, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[fp]
	if !ok {
		m.misses++
		return models.CacheEntry{}, false
	}
	entry := elem.Value.(*models.CacheEntry)
	if entry.Expired(now) {
		m.removeElement(elem)
		m.misses++
		return models.CacheEntry{}, false
	}

	m.ll.MoveToFront(elem)
	entry.LastAccess = now
	m.hits++
	return copyEntry(*entry, true), true
}

func (m *Memory) Put(_ context.Context, fp models.Fingerprint, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	size := int64(len(body))
	if size > m.maxBytes {
		m.logger.Warn("entry larger than cache bound, not stored",
			zap.String("fingerprint", fp.Short()), zap.Int64("size", size), zap.Int64("max", m.maxBytes))
		m.mu.Lock()
		if elem, ok := m.items[fp]; ok {
			m.removeElement(elem)
		}
		m.mu.Unlock()
		return ErrEntryTooLarge
	}

	now := m.clock.Now()
	entry := &models.CacheEntry{
		Fingerprint: fp,
		Body:        append([]byte(nil), body...),
		StoredAt:    now,
		TTL:         ttl,
		SizeBytes:   size,
		LastAccess:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[fp]; ok {
		m.removeElement(elem)
	}
	m.items[fp] = m.ll.PushFront(entry)
	m.bytes += size

	for m.bytes > m.maxBytes {
		back := m.ll.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*models.CacheEntry)
		m.removeElement(back)
		m.evictions++
		m.logger.Debug("evicted least recently used entry", zap.String("fingerprint", victim.Fingerprint.Short()))
	}
	return nil
}

func (m *Memory) EvictExpired(_ context.Context) (int, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for elem := m.ll.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*models.CacheEntry).Expired(now) {
			m.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed, nil
}

func (m *Memory) Delete(_ context.Context, fp models.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[fp]; ok {
		m.removeElement(elem)
	}
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll.Init()
	m.items = make(map[models.Fingerprint]*list.Element)
	m.bytes = 0
	return nil
}

func (m *Memory) Entries(_ context.Context) ([]models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CacheEntry, 0, m.ll.Len())
	for elem := m.ll.Front(); elem != nil; elem = elem.Next() {
		out = append(out, copyEntry(*elem.Value.(*models.CacheEntry), false))
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (models.CacheStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CacheStats{
		Entries:   int64(m.ll.Len()),
		Bytes:     m.bytes,
		MaxBytes:  m.maxBytes,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// removeElement must be called with m.mu held.
func (m *Memory) removeElement(elem *list.Element) {
	entry := m.ll.Remove(elem).(*models.CacheEntry)
	delete(m.items, entry.Fingerprint)
	m.bytes -= entry.SizeBytes
}

func copyEntry(e models.CacheEntry, withBody bool) models.CacheEntry {
	if withBody {
		e.Body = append([]byte(nil), e.Body...)
	} else {
		e.Body = nil
	}
	return e
}

var _ Store = (*Memory)(nil)
