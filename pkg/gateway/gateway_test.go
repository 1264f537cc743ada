package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/cache"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/fetch"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/fingerprint"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

// fakeFetcher counts calls and optionally blocks until released.
type fakeFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	text    string
	err     error
	once    sync.Once
}

func newFakeFetcher(text string) *fakeFetcher {
	return &fakeFetcher{text: text, started: make(chan struct{})}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req models.Request) (models.Response, error) {
	f.calls.Add(1)
	f.once.Do(func() { close(f.started) })
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return models.Response{}, f.err
	}
	return models.Response{
		Kind:       req.Kind(),
		Model:      req.Model(),
		Provider:   "fake",
		Text:       f.text,
		Body:       []byte(f.text),
		StatusCode: 200,
		Usage:      &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		FetchedAt:  time.Now(),
	}, nil
}

type fakeUsage struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (u *fakeUsage) Record(_ context.Context, rec models.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, rec)
	return nil
}

func (u *fakeUsage) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.records)
}

func newTestGateway(t *testing.T, f Fetcher, opts ...func(*Options)) (*Gateway, *cache.Memory) {
	t.Helper()
	store, err := cache.NewMemory(cache.MemoryOptions{MaxBytes: 1 << 20})
	require.NoError(t, err)
	o := Options{Store: store, Fetcher: f, DefaultTTL: time.Hour}
	for _, fn := range opts {
		fn(&o)
	}
	g, err := New(o)
	require.NoError(t, err)
	return g, store
}

func hello() models.Request {
	return models.NewPromptRequest("gpt-x", "hello")
}

func TestNew_RequiresStoreAndFetcher(t *testing.T) {
	_, err := New(Options{Fetcher: newFakeFetcher("x")})
	assert.ErrorIs(t, err, ErrNilStore)

	store, _ := cache.NewMemory(cache.MemoryOptions{MaxBytes: 10})
	_, err = New(Options{Store: store})
	assert.ErrorIs(t, err, ErrNilFetcher)
}

func TestResolve_SimultaneousIdenticalRequestsFetchOnce(t *testing.T) {
	f := newFakeFetcher("the fish says blub")
	f.release = make(chan struct{})
	g, _ := newTestGateway(t, f)

	const n = 20
	var wg sync.WaitGroup
	texts := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate Request values with identical content.
			resp, err := g.Resolve(context.Background(), hello())
			texts[i], errs[i] = resp.Text, err
		}(i)
	}

	<-f.started
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "the fish says blub", texts[i])
	}
}

func TestResolve_ErrorDeliveredToAllWaiters(t *testing.T) {
	f := newFakeFetcher("")
	f.release = make(chan struct{})
	f.err = &fetch.Error{Kind: fetch.ErrServiceError, StatusCode: 503, Attempts: 2}
	g, store := newTestGateway(t, f)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Resolve(context.Background(), hello())
		}(i)
	}
	<-f.started
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, fetch.ErrServiceError)
	}
	stats, _ := store.Stats(context.Background())
	assert.Zero(t, stats.Entries, "errors must not be cached")
}

func TestResolve_TimeoutIsNotCached(t *testing.T) {
	f := newFakeFetcher("")
	f.err = &fetch.Error{Kind: fetch.ErrTimeout, Attempts: 1}
	g, store := newTestGateway(t, f)
	ctx := context.Background()

	_, err := g.Resolve(ctx, hello())
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrTimeout)
	assert.Equal(t, int32(1), f.calls.Load())

	fp, err := fingerprint.Of(hello())
	require.NoError(t, err)
	_, ok := store.Get(ctx, fp)
	assert.False(t, ok, "store must hold no entry after a failed fetch")

	// A new request starts over.
	_, err = g.Resolve(ctx, hello())
	assert.ErrorIs(t, err, fetch.ErrTimeout)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestResolve_ZeroTTLFetchesEveryTime(t *testing.T) {
	f := newFakeFetcher("fresh")
	g, store := newTestGateway(t, f)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := g.Resolve(ctx, models.NewPromptRequest("gpt-x", "hello", models.WithTTL(0)))
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, int32(2), f.calls.Load())

	stats, _ := store.Stats(ctx)
	assert.Zero(t, stats.Entries)
}

func TestResolve_ZeroDefaultTTL(t *testing.T) {
	f := newFakeFetcher("fresh")
	g, _ := newTestGateway(t, f, func(o *Options) { o.DefaultTTL = 0 })

	_, _ = g.Resolve(context.Background(), hello())
	_, _ = g.Resolve(context.Background(), hello())
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestResolve_UncachedFlightDoesNotAbsorbCacheableCaller(t *testing.T) {
	f := newFakeFetcher("blub")
	f.release = make(chan struct{})
	g, store := newTestGateway(t, f)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := g.Resolve(context.Background(), models.NewPromptRequest("gpt-x", "hello", models.WithTTL(0)))
		assert.NoError(t, err)
	}()
	<-f.started
	go func() {
		defer wg.Done()
		resp, err := g.Resolve(context.Background(), hello())
		assert.NoError(t, err)
		assert.Equal(t, "blub", resp.Text)
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(f.release)
	wg.Wait()

	fp, err := fingerprint.Of(hello())
	require.NoError(t, err)
	_, ok := store.Get(context.Background(), fp)
	assert.True(t, ok, "cacheable caller's result must be written back")
}

func TestResolve_HitDoesNotFetch(t *testing.T) {
	f := newFakeFetcher("cached text")
	g, _ := newTestGateway(t, f)
	ctx := context.Background()

	first, err := g.Resolve(ctx, hello())
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := g.Resolve(ctx, models.NewPromptRequest("gpt-x", "  hello  "))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "cached text", second.Text)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolve_CallersGetIndependentCopies(t *testing.T) {
	f := newFakeFetcher("abc")
	g, _ := newTestGateway(t, f)
	ctx := context.Background()

	a, err := g.Resolve(ctx, hello())
	require.NoError(t, err)
	a.Body[0] = 'X'
	a.Usage.TotalTokens = 999

	b, err := g.Resolve(ctx, hello())
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b.Body)
	assert.Equal(t, 5, b.Usage.TotalTokens)
}

func TestResolve_WaiterCancelDoesNotStopFetch(t *testing.T) {
	f := newFakeFetcher("eventually")
	f.release = make(chan struct{})
	g, store := newTestGateway(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Resolve(ctx, hello())
		done <- err
	}()

	<-f.started
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(f.release)
	fp, _ := fingerprint.Of(hello())
	require.Eventually(t, func() bool {
		_, ok := store.Get(context.Background(), fp)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := g.Resolve(context.Background(), hello())
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolve_MalformedRequest(t *testing.T) {
	f := newFakeFetcher("x")
	g, _ := newTestGateway(t, f)

	_, err := g.Resolve(context.Background(), models.NewPromptRequest("", "hello"))
	assert.ErrorIs(t, err, fingerprint.ErrMalformedRequest)
	_, err = g.Resolve(context.Background(), models.NewDocRequest("not a url"))
	assert.ErrorIs(t, err, fingerprint.ErrMalformedRequest)
	assert.Zero(t, f.calls.Load())
}

// failingStore misses on every Get and fails every Put.
type failingStore struct {
	*cache.Memory
}

func (failingStore) Get(context.Context, models.Fingerprint) (models.CacheEntry, bool) {
	return models.CacheEntry{}, false
}

func (failingStore) Put(context.Context, models.Fingerprint, []byte, time.Duration) error {
	return errors.New("disk full")
}

func TestResolve_StoreFaultDegradesToMiss(t *testing.T) {
	mem, err := cache.NewMemory(cache.MemoryOptions{MaxBytes: 1024})
	require.NoError(t, err)
	f := newFakeFetcher("still works")
	reg := prometheus.NewRegistry()
	g, err := New(Options{Store: failingStore{mem}, Fetcher: f, DefaultTTL: time.Hour, Registerer: reg})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := g.Resolve(context.Background(), hello())
		require.NoError(t, err)
		assert.Equal(t, "still works", resp.Text)
	}
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(g.metrics.storeErrors.WithLabelValues("put")))
}

func TestResolve_UndecodableEntryRefetched(t *testing.T) {
	f := newFakeFetcher("repaired")
	g, store := newTestGateway(t, f)
	ctx := context.Background()

	fp, _ := fingerprint.Of(hello())
	require.NoError(t, store.Put(ctx, fp, []byte("{not json"), time.Hour))

	resp, err := g.Resolve(ctx, hello())
	require.NoError(t, err)
	assert.Equal(t, "repaired", resp.Text)
	assert.Equal(t, int32(1), f.calls.Load())

	resp, err = g.Resolve(ctx, hello())
	require.NoError(t, err)
	assert.True(t, resp.Cached)
}

func TestInvalidate(t *testing.T) {
	f := newFakeFetcher("v1")
	g, _ := newTestGateway(t, f)
	ctx := context.Background()

	_, _ = g.Resolve(ctx, hello())
	require.NoError(t, g.Invalidate(ctx, hello()))
	_, _ = g.Resolve(ctx, hello())
	assert.Equal(t, int32(2), f.calls.Load())

	assert.ErrorIs(t, g.Invalidate(ctx, models.NewPromptRequest("", "x")), fingerprint.ErrMalformedRequest)
}

func TestResolve_UsageAndMetrics(t *testing.T) {
	f := newFakeFetcher("metered")
	usage := &fakeUsage{}
	reg := prometheus.NewRegistry()
	g, _ := newTestGateway(t, f, func(o *Options) {
		o.Usage = usage
		o.Registerer = reg
	})
	ctx := context.Background()

	_, _ = g.Resolve(ctx, hello())
	_, _ = g.Resolve(ctx, hello())
	_, _ = g.Resolve(ctx, models.NewPromptRequest("", "bad"))

	assert.Equal(t, 1, usage.count(), "hits are not recorded as usage")
	assert.Equal(t, 5, usage.records[0].TotalTokens)
	assert.Equal(t, "fake", usage.records[0].Provider)

	assert.Equal(t, float64(1), testutil.ToFloat64(g.metrics.resolves.WithLabelValues("llm", outcomeMiss)))
	assert.Equal(t, float64(1), testutil.ToFloat64(g.metrics.resolves.WithLabelValues("llm", outcomeHit)))
	assert.Equal(t, float64(1), testutil.ToFloat64(g.metrics.resolves.WithLabelValues("llm", outcomeMalformed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(g.metrics.fetches.WithLabelValues("llm", "ok")))

	stats, err := g.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestRegistry_ShardsByFirstByte(t *testing.T) {
	var r registry
	var a, b models.Fingerprint
	a[0], b[0] = 1, 1+shardCount
	assert.Same(t, r.shard(a), r.shard(b))
	b[0] = 2
	assert.NotSame(t, r.shard(a), r.shard(b))
}
