// Package app wires the configured cache levels, the façade and the metrics
// exporter into one process.
package app

import (
	"context"
	"fmt"

	"rbac-cache/internal/cache"
	"rbac-cache/internal/cache/memory"
	"rbac-cache/internal/cache/multilevel"
	"rbac-cache/internal/cache/rediscache"
	"rbac-cache/internal/common/logging"
	"rbac-cache/internal/config"
	"rbac-cache/internal/metrics"
	"rbac-cache/internal/redis"
)

// App holds all the application dependencies
type App struct {
	Config  *config.Config
	Cache   *multilevel.Cache
	Local   *memory.Adapter
	Remote  *rediscache.Adapter
	Metrics *metrics.Collector
	Logger  logging.Logger
}

// New builds the cache from cfg. Nothing connects until Start.
func New(cfg *config.Config, logger logging.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.OrGlobal(logger).WithFields(logging.String("component", "app")),
	}

	local, err := memory.New(cfg.MemoryOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	app.Local = local

	var remote cache.Adapter
	if cfg.L2Enabled {
		client, err := redis.NewClient(cfg.RedisConnection(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		app.Remote, err = rediscache.New(client, cfg.RedisOptions(logger))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create remote cache: %w", err)
		}
		remote = app.Remote
	}

	app.Cache, err = multilevel.New(local, remote, cfg.MultilevelOptions(logger))
	if err != nil {
		return nil, err
	}

	app.Metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Addr:      cfg.MetricsAddr,
		Path:      "/metrics",
		Namespace: "rbac_cache",
	}, logger)
	if err != nil {
		return nil, err
	}
	app.Metrics.Register(app.Cache)
	app.Metrics.Register(local)
	if app.Remote != nil {
		app.Metrics.Register(app.Remote)
	}

	return app, nil
}

// Start initializes every cache level
func (app *App) Start(ctx context.Context) error {
	if err := app.Cache.Initialize(ctx); err != nil {
		return err
	}
	app.Logger.Info("Cache ready",
		logging.Bool("remote", app.Remote != nil),
		logging.Int("l1_max_size", app.Config.Memory.MaxSize),
	)
	return nil
}

// Shutdown stops the metrics server and shuts the cache down
func (app *App) Shutdown(ctx context.Context) error {
	if err := app.Metrics.Stop(ctx); err != nil {
		app.Logger.Warn("Error stopping metrics server", logging.Err(err))
	}
	return app.Cache.Shutdown(ctx)
}
