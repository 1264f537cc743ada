package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/cache"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, dir string, maxBytes int64) (*Store, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(Options{Dir: dir, MaxBytes: maxBytes, Clock: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func key(b byte) models.Fingerprint {
	var f models.Fingerprint
	f[0] = b
	f[31] = b
	return f
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, t.TempDir(), 1024)

	if err := s.Put(ctx, key(1), []byte(`{"text":"hello"}`), time.Hour); err != nil {
		t.Fatal(err)
	}

	e, ok := s.Get(ctx, key(1))
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(e.Body) != `{"text":"hello"}` {
		t.Errorf("unexpected body: %s", e.Body)
	}
	if e.TTL != time.Hour {
		t.Errorf("expected ttl 1h, got %s", e.TTL)
	}

	if _, ok := s.Get(ctx, key(2)); ok {
		t.Error("expected cache miss for unknown fingerprint")
	}
}

func TestTTLExpiration(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, t.TempDir(), 1024)

	if err := s.Put(ctx, key(1), []byte("data"), time.Minute); err != nil {
		t.Fatal(err)
	}

	clk.Advance(59 * time.Second)
	if _, ok := s.Get(ctx, key(1)); !ok {
		t.Fatal("expected hit before ttl")
	}

	clk.Advance(time.Second)
	if _, ok := s.Get(ctx, key(1)); ok {
		t.Error("expected cache miss once ttl elapsed")
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 0 {
		t.Errorf("expired entry should be removed, got %d entries", stats.Entries)
	}
}

func TestZeroTTLStoresNothing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, t.TempDir(), 1024)

	if err := s.Put(ctx, key(1), []byte("data"), 0); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(ctx, key(1)); ok {
		t.Error("zero ttl must not be stored")
	}
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, t.TempDir(), 10)

	_ = s.Put(ctx, key(1), []byte("aaaa"), time.Hour)
	clk.Advance(time.Second)
	_ = s.Put(ctx, key(2), []byte("bbbb"), time.Hour)
	clk.Advance(time.Second)
	s.Get(ctx, key(1)) // 2 becomes least recently used
	clk.Advance(time.Second)
	if err := s.Put(ctx, key(3), []byte("cccc"), time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get(ctx, key(2)); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	for _, b := range []byte{1, 3} {
		if _, ok := s.Get(ctx, key(b)); !ok {
			t.Errorf("expected entry %d to survive", b)
		}
	}

	stats, _ := s.Stats(ctx)
	if stats.Bytes > 10 {
		t.Errorf("store exceeds bound: %d bytes", stats.Bytes)
	}
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestEntryTooLarge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, t.TempDir(), 8)
	if err := s.Put(ctx, key(1), []byte("old"), time.Hour); err != nil {
		t.Fatal(err)
	}

	err := s.Put(ctx, key(1), []byte("too large!"), time.Hour)
	if !errors.Is(err, cache.ErrEntryTooLarge) {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
	if _, ok := s.Get(ctx, key(1)); ok {
		t.Fatal("rejected overwrite left the old body in place")
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 0 || stats.Bytes != 0 {
		t.Errorf("expected empty cache, got %d entries / %d bytes", stats.Entries, stats.Bytes)
	}
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, _ := newTestStore(t, dir, 1024)
	if err := s.Put(ctx, key(7), []byte("persisted"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, _ := newTestStore(t, dir, 1024)
	e, ok := reopened.Get(ctx, key(7))
	if !ok {
		t.Fatal("expected entry to survive reopen")
	}
	if string(e.Body) != "persisted" {
		t.Errorf("unexpected body: %s", e.Body)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, t.TempDir(), 1024)

	_ = s.Put(ctx, key(1), []byte("data"), time.Hour)
	s.Get(ctx, key(1)) // hit
	s.Get(ctx, key(2)) // miss

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Bytes != 4 {
		t.Errorf("expected 4 bytes, got %d", stats.Bytes)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestEvictExpiredAndClear(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t, t.TempDir(), 1024)

	_ = s.Put(ctx, key(1), []byte("short"), time.Minute)
	_ = s.Put(ctx, key(2), []byte("long"), time.Hour)
	clk.Advance(2 * time.Minute)

	n, err := s.EvictExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", n)
	}

	entries, err := s.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Fingerprint != key(2) {
		t.Fatalf("unexpected entries after eviction: %+v", entries)
	}
	if entries[0].Body != nil {
		t.Error("Entries should not carry bodies")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ := s.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, t.TempDir(), 1024)

	_ = s.Put(ctx, key(1), []byte("data"), time.Hour)
	if err := s.Delete(ctx, key(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(ctx, key(1)); ok {
		t.Error("expected miss after delete")
	}
}

func TestSharedFileWaitsForLocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, _ := newTestStore(t, dir, 1024)
	b, _ := newTestStore(t, dir, 1024)

	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("expected %s in cache dir: %v", FileName, err)
	}
	for _, s := range []*Store{a, b} {
		var timeout int
		if err := s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatal(err)
		}
		if timeout != 5000 {
			t.Errorf("expected busy_timeout 5000, got %d", timeout)
		}
	}

	if err := a.Put(ctx, key(1), []byte("from a"), time.Hour); err != nil {
		t.Fatal(err)
	}
	e, ok := b.Get(ctx, key(1))
	if !ok || string(e.Body) != "from a" {
		t.Fatalf("expected second handle to see the entry, got ok=%v body=%q", ok, e.Body)
	}
}
