// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — database and (optional) Redis connections
//  2. initServices — metrics registry and audit logger
//  3. seed         — one-shot init-config catalog seeding
//  4. initGateway  — replay cache, limiters, proxy pipeline
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	mgCache "github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/config"
	"github.com/nulpointcorp/modelgate/internal/logger"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/proxy"
	"github.com/nulpointcorp/modelgate/internal/ratelimit"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/internal/tokenizer"
	"github.com/nulpointcorp/modelgate/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	db *store.Store

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	audit *logger.Logger
	prom  *metrics.Registry

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"seed", a.applyInitConfig},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("redis", a.rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("audit logger close error", slog.String("error", err.Error()))
		}
		a.audit = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// initInfra opens the database and, when REDIS_URL is set, connects Redis.
func (a *App) initInfra(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.db = db

	if a.cfg.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
	}

	return nil
}

// initServices creates the metrics registry and the async audit logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	audit, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.audit = audit

	return nil
}

// initGateway wires the proxy pipeline with all configured subsystems.
// Without Redis the replay cache falls back to the in-process backend.
func (a *App) initGateway(ctx context.Context) error {
	var replay mgCache.Cache
	var redisPing func(ctx context.Context) error
	if a.rdb != nil {
		replay = mgCache.NewRedisCache(a.rdb)
		redisPing = func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}
	} else {
		replay = mgCache.NewMemoryCache(ctx)
	}

	a.gw = proxy.New(proxy.Options{
		Store:     a.db,
		Upstream:  upstream.New(),
		Cache:     replay,
		Keys:      ratelimit.NewKeyLimiter(a.rdb),
		Buckets:   ratelimit.NewBucketLimiter(a.rdb, a.cfg.Bucket.Capacity, a.cfg.Bucket.RefillRate),
		Estimator: tokenizer.New(),
		Metrics:   a.prom,
		Audit:     a.audit,
		Log:       a.log,

		AdminSecret: a.cfg.AdminSuperSecret,
		CORSOrigins: a.cfg.CORSOrigins,

		MaxProviderAttempts: a.cfg.Failover.MaxProviderAttempts,
		SameProviderRetries: a.cfg.Failover.SameProviderRetries,
		ProviderTimeout:     a.cfg.Failover.ProviderTimeout,

		RedisPing: redisPing,
	})
	return nil
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
