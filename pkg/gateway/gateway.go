// Package gateway is the single entry point for outbound LLM and document
// calls. It fingerprints each request, serves unexpired cache entries,
// collapses concurrent identical misses into one fetch and writes successful
// responses back to the store. Errors are never cached.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/cache"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/fetch"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/fingerprint"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

const tracerName = "github.com/matthewdeanmartin/ai-fish-tank/pkg/gateway"

// Fetcher performs the real network call for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req models.Request) (models.Response, error)
}

// UsageRecorder receives one record per real network call.
type UsageRecorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// Options configures a Gateway.
type Options struct {
	Store   cache.Store
	Fetcher Fetcher
	// DefaultTTL applies to requests without their own TTL. Zero disables caching.
	DefaultTTL time.Duration
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Usage      UsageRecorder
}

// Gateway resolves requests through the cache.
type Gateway struct {
	store      cache.Store
	fetcher    Fetcher
	defaultTTL time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
	usage      UsageRecorder
	metrics    *metrics
	flights    registry
}

var (
	ErrNilStore   = errors.New("gateway: nil store")
	ErrNilFetcher = errors.New("gateway: nil fetcher")
)

// New creates a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	if opts.Fetcher == nil {
		return nil, ErrNilFetcher
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Gateway{
		store:      opts.Store,
		fetcher:    opts.Fetcher,
		defaultTTL: opts.DefaultTTL,
		logger:     logger.With(zap.String("component", "gateway")),
		tracer:     tracer,
		usage:      opts.Usage,
		metrics:    newMetrics(opts.Registerer),
	}, nil
}

// Resolve returns the response for req, from the cache when possible.
//
// Errors are fingerprint.ErrMalformedRequest, a *fetch.Error, or ctx's error
// when the caller stops waiting. A caller that stops waiting does not cancel
// the underlying fetch; its result still reaches the cache.
func (g *Gateway) Resolve(ctx context.Context, req models.Request) (models.Response, error) {
	kind := string(req.Kind())
	ctx, span := g.tracer.Start(ctx, "gateway.Resolve", trace.WithAttributes(
		attribute.String("request.kind", kind),
		attribute.String("request.id", req.ID()),
	))
	defer span.End()

	fp, err := fingerprint.Of(req)
	if err != nil {
		g.metrics.resolves.WithLabelValues(kind, outcomeMalformed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed request")
		return models.Response{}, err
	}
	span.SetAttributes(attribute.String("fingerprint", fp.Short()))
	log := g.logger.With(zap.String("request_id", req.ID()), zap.String("fingerprint", fp.Short()))

	ttl := g.ttlFor(req)
	if ttl > 0 {
		if resp, ok := g.lookup(ctx, fp); ok {
			g.metrics.resolves.WithLabelValues(kind, outcomeHit).Inc()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			log.Debug("cache hit")
			return resp, nil
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	detached := context.WithoutCancel(ctx)
	resp, shared, err := g.flights.do(ctx, fp, ttl > 0, func() (models.Response, error) {
		return g.fill(detached, req, fp, ttl, log)
	})
	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		g.metrics.resolves.WithLabelValues(kind, outcomeCanceled).Inc()
		span.SetStatus(codes.Error, "caller stopped waiting")
		log.Debug("caller stopped waiting; fetch continues", zap.Error(err))
		return models.Response{}, err
	case err != nil:
		g.metrics.resolves.WithLabelValues(kind, outcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Response{}, err
	case shared:
		g.metrics.resolves.WithLabelValues(kind, outcomeShared).Inc()
	default:
		g.metrics.resolves.WithLabelValues(kind, outcomeMiss).Inc()
	}
	return resp, nil
}

// fill runs once per in-flight fingerprint on a context detached from any
// single caller.
func (g *Gateway) fill(ctx context.Context, req models.Request, fp models.Fingerprint, ttl time.Duration, log *zap.Logger) (models.Response, error) {
	// A previous flight may have stored the entry between our miss and now.
	if ttl > 0 {
		if resp, ok := g.lookup(ctx, fp); ok {
			return resp, nil
		}
	}

	kind := string(req.Kind())
	start := time.Now()
	resp, err := g.fetcher.Fetch(ctx, req)
	elapsed := time.Since(start)
	g.metrics.fetchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	g.metrics.fetches.WithLabelValues(kind, fetchResult(err)).Inc()
	if err != nil {
		log.Info("fetch failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return models.Response{}, err
	}
	resp.Cached = false
	log.Debug("fetched", zap.Duration("elapsed", elapsed), zap.Int("status", resp.StatusCode))

	g.recordUsage(ctx, req, fp, resp, elapsed, log)
	if ttl > 0 {
		g.writeBack(ctx, fp, resp, ttl, log)
	}
	return resp, nil
}

// lookup returns a decoded cache hit. Undecodable entries are dropped.
func (g *Gateway) lookup(ctx context.Context, fp models.Fingerprint) (models.Response, bool) {
	entry, ok := g.store.Get(ctx, fp)
	if !ok {
		return models.Response{}, false
	}
	resp, err := models.DecodeResponse(entry.Body)
	if err != nil {
		g.metrics.storeErrors.WithLabelValues("decode").Inc()
		g.logger.Warn("dropping undecodable cache entry", zap.String("fingerprint", fp.Short()), zap.Error(err))
		if err := g.store.Delete(ctx, fp); err != nil {
			g.logger.Warn("delete undecodable entry failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
		}
		return models.Response{}, false
	}
	resp.Cached = true
	return resp, true
}

func (g *Gateway) writeBack(ctx context.Context, fp models.Fingerprint, resp models.Response, ttl time.Duration, log *zap.Logger) {
	body, err := models.EncodeResponse(resp)
	if err == nil {
		err = g.store.Put(ctx, fp, body, ttl)
	}
	if err != nil {
		g.metrics.storeErrors.WithLabelValues("put").Inc()
		log.Warn("cache write failed", zap.Error(err))
	}
}

func (g *Gateway) recordUsage(ctx context.Context, req models.Request, fp models.Fingerprint, resp models.Response, elapsed time.Duration, log *zap.Logger) {
	if g.usage == nil {
		return
	}
	rec := models.UsageRecord{
		RequestID:   req.ID(),
		Fingerprint: fp.String(),
		Kind:        req.Kind(),
		Model:       resp.Model,
		Provider:    resp.Provider,
		Bytes:       int64(len(resp.Body) + len(resp.Text)),
		LatencyMs:   elapsed.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
	}
	if err := g.usage.Record(ctx, rec); err != nil {
		log.Warn("usage record failed", zap.Error(err))
	}
}

func (g *Gateway) ttlFor(req models.Request) time.Duration {
	if ttl, ok := req.TTL(); ok {
		return ttl
	}
	return g.defaultTTL
}

// Invalidate removes any cached response for req.
func (g *Gateway) Invalidate(ctx context.Context, req models.Request) error {
	fp, err := fingerprint.Of(req)
	if err != nil {
		return err
	}
	return g.store.Delete(ctx, fp)
}

// Stats returns the underlying store's statistics.
func (g *Gateway) Stats(ctx context.Context) (models.CacheStats, error) {
	return g.store.Stats(ctx)
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fetch.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, fetch.ErrServiceError):
		return "service_error"
	case errors.Is(err, fetch.ErrTimeout):
		return "timeout"
	case errors.Is(err, fetch.ErrNotFound):
		return "not_found"
	case errors.Is(err, fetch.ErrRejected):
		return "rejected"
	default:
		return "other"
	}
}
