package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/cache"
	rediscache "github.com/matthewdeanmartin/ai-fish-tank/pkg/cache/redis"
	sqlitecache "github.com/matthewdeanmartin/ai-fish-tank/pkg/cache/sqlite"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/config"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/fetch"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/gateway"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/logging"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/router"
	"github.com/matthewdeanmartin/ai-fish-tank/pkg/usage"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   cache.Store
	usage   usage.Tracker
	gateway *gateway.Gateway

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// openStore builds the cache backend selected by cfg.Cache.Backend.
func openStore(cfg *config.Config, logger *zap.Logger) (cache.Store, error) {
	maxBytes := int64(cfg.Cache.MaxSize)
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		return cache.NewMemory(cache.MemoryOptions{MaxBytes: maxBytes, Logger: logger})
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return rediscache.New(rediscache.Options{
			Client:      client,
			CloseClient: true,
			Prefix:      cfg.Redis.Prefix,
			MaxBytes:    maxBytes,
			Logger:      logger,
		})
	case config.BackendSQLite:
		return sqlitecache.New(sqlitecache.Options{Dir: cfg.Cache.Dir, MaxBytes: maxBytes, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// loadApp reads the config and opens the store. Commands that only inspect
// the cache stop here; withGateway also wires the fetch path.
func loadApp(configPath string, logOut io.Writer, withGateway bool) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cfg, logOut, nil, withGateway)
}

func newApp(cfg *config.Config, logOut io.Writer, httpClient *http.Client, withGateway bool) (*app, error) {
	logger, err := logging.New(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	if cfg.Usage.Enabled {
		tr, err := usage.New(cfg.Usage.DBPath)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("open usage ledger: %w", err)
		}
		a.usage = tr
	}

	if !withGateway {
		return a, nil
	}

	client := fetch.New(fetch.ConfigFrom(cfg), router.FromConfig(cfg), httpClient, logger)
	opts := gateway.Options{
		Store:      store,
		Fetcher:    client,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Logger:     logger,
		Usage:      a.usage,
	}
	a.gateway, err = gateway.New(opts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stopJanitor = cancel
	a.janitorDone = make(chan struct{})
	go func() {
		defer close(a.janitorDone)
		cache.RunJanitor(ctx, store, cfg.Cache.EvictInterval, logger)
	}()
	return a, nil
}

// Close stops the janitor and releases the store and ledger.
func (a *app) Close() error {
	if a.stopJanitor != nil {
		a.stopJanitor()
		<-a.janitorDone
	}
	var errs []error
	if a.usage != nil {
		errs = append(errs, a.usage.Close())
	}
	errs = append(errs, a.store.Close())
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
