// Package fetch performs the real outbound calls behind the cache: LLM
// completions against OpenAI- or Anthropic-style providers and plain HTTP
// documentation fetches. It owns the retry policy; it does not de-duplicate.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/config"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/router"
)

// Config controls timeouts, retries and pacing of outbound calls.
type Config struct {
	// Timeout bounds each attempt, including reading the body.
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestsPerSecond paces attempts client-side; 0 disables pacing.
	RequestsPerSecond float64
	UserAgent         string
	// MaxTokens is sent when a request carries no max_tokens parameter.
	MaxTokens int
}

// ConfigFrom extracts the fetch settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Timeout:           cfg.Fetch.Timeout,
		MaxAttempts:       cfg.Fetch.MaxAttempts,
		InitialBackoff:    cfg.Fetch.InitialBackoff,
		MaxBackoff:        cfg.Fetch.MaxBackoff,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		UserAgent:         cfg.Fetch.UserAgent,
		MaxTokens:         cfg.LLM.MaxTokens,
	}
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 5000
	}
}

// Client performs outbound calls.
type Client struct {
	cfg     Config
	router  *router.Router
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Client. rt may be nil when only documents are fetched;
// httpClient nil means a default client.
func New(cfg Config, rt *router.Router, httpClient *http.Client, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		router: rt,
		http:   httpClient,
		logger: logger.With(zap.String("component", "fetch")),
		now:    time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// doRequest sends one request and reads the whole body.
func (c *Client) doRequest(ctx context.Context, method, target string, headers map[string]string, body []byte) (*upstreamResult, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

// FetchDoc GETs the request's URL with its headers.
// Failures match ErrNotFound, ErrServiceError, ErrTimeout, ErrRateLimited or ErrRejected.
func (c *Client) FetchDoc(ctx context.Context, req models.Request) (models.Response, error) {
	if req.Kind() != models.KindDoc {
		return models.Response{}, &Error{Kind: ErrRejected, Target: req.URL(), Err: errors.New("not a document request")}
	}
	target := req.URL()

	res, err := c.retry(ctx, target, func(actx context.Context) (*upstreamResult, error) {
		return c.doRequest(actx, http.MethodGet, target, req.Headers(), nil)
	})
	if err != nil {
		return models.Response{}, err
	}

	return models.Response{
		Kind:        models.KindDoc,
		StatusCode:  res.statusCode,
		ContentType: res.header.Get("Content-Type"),
		Body:        res.body,
		FetchedAt:   c.now().UTC(),
	}, nil
}

// Fetch dispatches on the request kind.
func (c *Client) Fetch(ctx context.Context, req models.Request) (models.Response, error) {
	if req.Kind() == models.KindDoc {
		return c.FetchDoc(ctx, req)
	}
	return c.FetchLLM(ctx, req)
}
