// Package internal contains core application functionality
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"

	"workstats/internal/cache"
	"workstats/internal/catalog"
	"workstats/internal/config"
	"workstats/internal/database"
	"workstats/internal/jobs"
	"workstats/internal/logstore"
	"workstats/internal/metrics"
	"workstats/internal/pkg/geoip"
	"workstats/internal/sessions"
)

// Application holds the long-lived collaborators shared by the commands and
// the scheduler daemon.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBManager *database.DBManager
	Metrics   *metrics.Metrics
	RunID     string

	// Connected on demand; nil until then
	LogStore    *logstore.ClickHouse
	DeviceCache *cache.DeviceCache
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config. The
// store is connected; the log store and device cache are not.
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	runID := uuid.NewString()
	logger := cartridge.NewLogger(cfg, nil).With(slog.String("run_id", runID))

	geoip.Init(logger, cfg.GeoDBPath)

	// Initialize database manager (with migration methods)
	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Application{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		Metrics:   metrics.New(cfg.AppName),
		RunID:     runID,
	}, nil
}

// ConnectLogStore opens the ClickHouse connection. Required by every job
// that reads raw events.
func (a *Application) ConnectLogStore(ctx context.Context) error {
	if a.LogStore != nil {
		return nil
	}
	store, err := logstore.NewClickHouse(ctx, a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.LogStore = store
	return nil
}

// ConnectDeviceCache opens the Redis device cache when configured. A cache
// that cannot be reached is logged and skipped; resolution falls back to the
// store.
func (a *Application) ConnectDeviceCache(ctx context.Context) {
	if a.DeviceCache != nil || a.Config.RedisURL == "" {
		return
	}
	ttl := time.Duration(a.Config.DeviceCacheTTLSeconds) * time.Second
	c, err := cache.NewDeviceCache(ctx, a.Config.RedisURL, ttl, a.Logger)
	if err != nil {
		a.Logger.Warn("Device cache unavailable, continuing without it", slog.Any("error", err))
		return
	}
	a.DeviceCache = c
}

// NewRunner builds a job runner over the connected collaborators. cfg may be
// a per-invocation copy of the application config.
func (a *Application) NewRunner(cfg *config.Config) *jobs.Runner {
	var logs logstore.Querier
	if a.LogStore != nil {
		logs = a.LogStore
	}
	var deviceCache catalog.DeviceCache
	if a.DeviceCache != nil {
		deviceCache = a.DeviceCache
	}
	var locator sessions.Locator
	if cfg.GeoDBPath != "" {
		locator = geoip.Locator{}
	}
	return jobs.NewRunner(cfg, a.DBManager, logs, deviceCache, locator, a.Metrics, a.Logger)
}

// PushMetrics sends the job metrics to the configured Pushgateway, if any.
func (a *Application) PushMetrics() {
	if err := a.Metrics.Push(a.Config.PushgatewayURL, a.Config.AppName); err != nil {
		a.Logger.Warn("Metrics push failed", slog.Any("error", err))
	}
}

// Shutdown closes every open connection.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error

	if a.LogStore != nil {
		if err := a.LogStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("log store: %w", err))
		}
	}
	if a.DeviceCache != nil {
		if err := a.DeviceCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device cache: %w", err))
		}
	}
	geoip.Close()

	done := make(chan error, 1)
	go func() { done <- a.DBManager.CloseConnections() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}
