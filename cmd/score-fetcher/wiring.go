package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/osu-score-fetcher/internal/config"
	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/osu-score-fetcher/pkg/client"
	"github.com/Sternrassler/osu-score-fetcher/pkg/logging"
	"github.com/Sternrassler/osu-score-fetcher/pkg/ratelimit"
	"github.com/Sternrassler/osu-score-fetcher/pkg/store"
	"github.com/redis/go-redis/v9"
)

// deps are the long-lived components built from the configuration.
type deps struct {
	store       *store.Store
	redis       *redis.Client
	checkpoints checkpoint.Store
}

// openDeps opens the SQLite store and, when a backend needs it, Redis.
func openDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	storeCfg := store.DefaultConfig(cfg.Store.Path, cfg.Scheduler.Workers)
	storeCfg.BusyTimeout = cfg.Store.BusyTimeout

	db, err := store.Open(ctx, storeCfg)
	if err != nil {
		return nil, err
	}
	d := &deps{store: db, checkpoints: db.Checkpoints()}

	if cfg.UsesRedis() {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	if cfg.Checkpoints.Backend == config.BackendRedis {
		d.checkpoints = checkpoint.NewRedisStore(d.redis, cfg.Checkpoints.TTL)
	}
	return d, nil
}

func (d *deps) Close() error {
	var errs []error
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

// health reports whether the store (and Redis, if used) answers.
func (d *deps) health(ctx context.Context) error {
	if err := d.store.Ping(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if d.redis != nil {
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// newLimiter builds the configured rate limiter.
func newLimiter(cfg *config.Config, d *deps) (ratelimit.Limiter, error) {
	logger := logging.NewLogger("ratelimit")
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		return ratelimit.NewRedisWindow(d.redis, ratelimit.RedisKeyCalls, cfg.RateLimit.Calls, cfg.RateLimit.Window, logger)
	default:
		return ratelimit.NewSlidingWindow(cfg.RateLimit.Calls, cfg.RateLimit.Window, logger)
	}
}

// newClient builds the osu! API client behind limiter.
func newClient(cfg *config.Config, limiter ratelimit.Limiter) (*client.Client, error) {
	clientCfg := client.DefaultConfig(limiter, cfg.Osu.ClientID, cfg.Osu.ClientSecret, cfg.Osu.UserAgent)
	clientCfg.BaseURL = cfg.Osu.BaseURL
	clientCfg.TokenURL = cfg.Osu.TokenURL
	clientCfg.Timeout = cfg.Osu.Timeout
	clientCfg.MaxRetries = cfg.Osu.MaxRetries
	if cfg.Osu.InitialBackoff > 0 {
		clientCfg.InitialBackoff = cfg.Osu.InitialBackoff
	}
	return client.New(clientCfg)
}
