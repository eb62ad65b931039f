package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/cache"
	"shopsync/backend/internal/config"
	"shopsync/backend/internal/lock"
	"shopsync/backend/internal/logging"
	"shopsync/backend/internal/media"
	"shopsync/backend/internal/realtime"
	"shopsync/backend/internal/reconcile"
	"shopsync/backend/internal/remote"
	remotemem "shopsync/backend/internal/remote/memory"
	pgremote "shopsync/backend/internal/remote/postgres"
	"shopsync/backend/internal/service"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/store/sqlite"
	"shopsync/backend/internal/syncengine"
)

// app is everything a command needs, wired from one Config.
type app struct {
	cfg        config.Config
	logger     *logrus.Logger
	repo       store.Repository
	backend    remote.Backend
	service    *service.Service
	orch       *syncengine.Orchestrator
	reconciler *reconcile.Reconciler
	mirror     cache.StatusMirror
	prober     *syncengine.Prober
	hub        *realtime.Hub
	closers    []func() error
}

// appOptions enables the pieces only the long-running daemon needs.
type appOptions struct {
	probe    bool
	realtime bool
}

func openApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	a := &app{cfg: cfg, logger: logger, mirror: cache.NoopStatusMirror{}}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, err := sqlite.Open(setupCtx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.repo = repo
	a.closers = append(a.closers, repo.Close)
	logger.WithField("path", repo.Path()).Info("local store: sqlite")

	if cfg.BackendDatabaseURL != "" {
		pg, err := pgremote.New(setupCtx, cfg.BackendDatabaseURL)
		switch {
		case errors.Is(err, remote.ErrUnavailable):
			// The till keeps working offline; the pool reconnects on first use.
			logger.Warnf("backend unreachable at startup: %v", err)
			if pg, err = pgremote.Open(cfg.BackendDatabaseURL); err != nil {
				a.close()
				return nil, fmt.Errorf("open backend: %w", err)
			}
		case err != nil:
			a.close()
			return nil, fmt.Errorf("open backend: %w", err)
		case cfg.MigrateBackend:
			if err := pg.Migrate(setupCtx); err != nil {
				a.close()
				return nil, fmt.Errorf("migrate backend: %w", err)
			}
		}
		a.backend = pg
		a.closers = append(a.closers, pg.Close)
		logger.Info("backend: postgres")
	} else {
		demo := remotemem.New()
		a.hub = realtime.NewHub()
		demo.OnChange(a.hub.Publish)
		a.backend = demo
		logger.Warn("BACKEND_DATABASE_URL not set, using an in-process backend; nothing leaves this device")
	}

	a.service = service.New(repo,
		service.WithLogger(logger),
		service.WithImageCompressor(media.NewCompressor()),
	)
	deviceID, err := a.provisionIdentity(setupCtx)
	if err != nil {
		a.close()
		return nil, err
	}

	engineOpts := []syncengine.Option{
		syncengine.WithLogger(logger),
		syncengine.WithInterval(cfg.SyncInterval),
		syncengine.WithPassTimeout(cfg.SyncTimeout),
		syncengine.WithFlushInterval(cfg.RealtimeFlush),
	}
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		mirror := cache.NewRedisStatusMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := mirror.Ping(setupCtx); err != nil {
			logger.Warnf("redis unavailable (%v), using the in-process pass lock and no status mirror", err)
			_ = mirror.Close()
		} else {
			a.mirror = mirror
			a.closers = append(a.closers, mirror.Close)
			locker = lock.NewRedis(mirror.Client())
			engineOpts = append(engineOpts, syncengine.WithStatusMirror(mirror))
			logger.Info("status mirror: redis")
		}
	}
	engineOpts = append(engineOpts, syncengine.WithLocker(locker))
	if opts.probe {
		a.prober = syncengine.NewProber(a.backend, cfg.SyncInterval, logger)
		engineOpts = append(engineOpts, syncengine.WithConnectivity(a.prober))
	}

	var feed realtime.Feed
	if opts.realtime {
		feed = a.feed(deviceID)
	}
	a.orch = syncengine.New(repo, a.backend, feed, engineOpts...)
	a.reconciler = reconcile.New(repo, a.service.Tracker(),
		reconcile.WithLogger(logger),
		reconcile.WithProvisioner(a.orch),
		reconcile.WithOnChange(a.orch.Trigger),
	)

	if cfg.ShopID != "" {
		current, err := repo.Setting(setupCtx, store.SettingShopID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.close()
			return nil, err
		}
		if current != cfg.ShopID {
			if err := a.orch.SetShopID(setupCtx, cfg.ShopID); err != nil {
				a.close()
				return nil, fmt.Errorf("bind shop id: %w", err)
			}
			logger.WithField("shop_id", cfg.ShopID).Info("device bound to shop from configuration")
		}
	}
	return a, nil
}

// provisionIdentity makes sure the device has an id, honouring DEVICE_ID.
func (a *app) provisionIdentity(ctx context.Context) (string, error) {
	if a.cfg.DeviceID != "" {
		if err := a.repo.SetSetting(ctx, store.SettingDeviceID, a.cfg.DeviceID); err != nil {
			return "", err
		}
		return a.cfg.DeviceID, nil
	}
	return a.service.EnsureDeviceID(ctx)
}

func (a *app) feed(deviceID string) realtime.Feed {
	if a.hub != nil {
		a.logger.Info("realtime: in-process hub")
		return a.hub
	}
	switch a.cfg.RealtimeMode {
	case config.RealtimePG:
		if a.cfg.BackendDatabaseURL == "" {
			return nil
		}
		a.logger.Info("realtime: postgres LISTEN/NOTIFY")
		return realtime.NewPGFeed(a.cfg.BackendDatabaseURL, a.logger)
	case config.RealtimeWS:
		a.logger.WithField("url", a.cfg.RealtimeURL).Info("realtime: websocket relay")
		return realtime.NewWSFeed(a.cfg.RealtimeURL, a.cfg.AuthSecret, deviceID, a.logger)
	default:
		a.logger.Info("realtime: disabled")
		return nil
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warnf("close error: %v", err)
		}
	}
	a.closers = nil
}
