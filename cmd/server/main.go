package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/micro-ha/device-intake/internal/config"
	"github.com/micro-ha/device-intake/internal/events"
	httpapi "github.com/micro-ha/device-intake/internal/http"
	"github.com/micro-ha/device-intake/internal/http/handlers"
	"github.com/micro-ha/device-intake/internal/lifecycle"
	"github.com/micro-ha/device-intake/internal/logging"
	"github.com/micro-ha/device-intake/internal/metrics"
	"github.com/micro-ha/device-intake/internal/reconcile"
	"github.com/micro-ha/device-intake/internal/registry"
	"github.com/micro-ha/device-intake/internal/remotefs"
	"github.com/micro-ha/device-intake/internal/storage"
	"github.com/micro-ha/device-intake/internal/watcher"
)

const watcherStopTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if storage.DialectFor(cfg.DBDSN) == storage.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DBDSN), 0o755); err != nil {
			logger.Error("failed to create db directory", "err", err)
			os.Exit(1)
		}
	}
	repo, err := storage.New(ctx, cfg.DBDSN, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	endpoint, err := remotefs.ParseEndpoint(cfg.Remote.URL, cfg.Remote.Username, cfg.Remote.Password)
	if err != nil {
		logger.Error("invalid remote endpoint", "err", err)
		os.Exit(1)
	}
	remote, err := remotefs.NewClient(endpoint, remotefs.Options{
		ConnectRetries:   cfg.Remote.ConnectRetries,
		ConnectTimeout:   cfg.Remote.ConnectTimeout,
		OperationTimeout: cfg.Remote.OperationTimeout,
		KnownHostsPath:   cfg.Remote.KnownHostsPath,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize remote client", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	hub := events.NewHub(0)

	reg := registry.NewHTTPClient(cfg.Registry.URL, cfg.Registry.Token, cfg.Registry.Timeout, logger)
	engine := reconcile.New(reg, reconcile.Config{
		Delimiter:                  cfg.Batch.Delimiter,
		DefaultSmartCardModel:      cfg.Engine.DefaultSmartCardModel,
		ManufacturerStockHandlerID: cfg.Engine.ManufacturerStockHandlerID,
		LocationField:              cfg.Engine.LocationField,
		BuildListDir:               cfg.Engine.BuildListDir,
		MaxWorkers:                 cfg.Engine.MaxWorkers,
		DrainTimeout:               cfg.Engine.DrainTimeout,
		SchedulePollInterval:       cfg.Engine.SchedulePollInterval,
		AddTimeout:                 cfg.Engine.AddTimeout,
		PerformTimeout:             cfg.Engine.PerformTimeout,
	}, logger)
	engine.SetPhaseObserver(m.ObservePhase)

	controller := lifecycle.New(lifecycle.Config{
		ArchiveDir:       cfg.Watch.ArchiveDir,
		Delimiter:        cfg.Batch.Delimiter,
		DeviceTypePaired: cfg.Batch.DeviceTypePaired,
	}, remote, repo, engine, hub, m, logger)

	fileWatcher := watcher.New(watcher.Config{
		Interval:            cfg.Watch.Interval,
		Patterns:            cfg.Watch.Patterns,
		InTransitExt:        cfg.Watch.InTransitExt,
		DeleteAfterDownload: cfg.Watch.DeleteAfterDownload,
		StagingRoot:         cfg.Watch.StagingDir,
		RemoteDir:           cfg.Remote.Dir,
		DownloadAttempts:    cfg.Watch.DownloadAttempts,
		RetryDelay:          cfg.Watch.RetryDelay,
		FailureBackoff:      cfg.Watch.FailureBackoff,
	}, remote, controller, logger)
	fileWatcher.SetCycleObserver(m.ObserveCycle)

	// The watcher gets its own context so a signal lets the current batch
	// finish instead of cancelling it mid-flight.
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go fileWatcher.Run(watchCtx)

	var auth *httpapi.JWTAuth
	if cfg.API.AuthEnabled() {
		auth, err = httpapi.NewJWTAuth(httpapi.JWTAuthConfig{
			JWKSURL:       cfg.API.JWKSURL,
			RequiredScope: cfg.API.RequiredScope,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize api auth", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("API_JWKS_URL is empty; operator api is unauthenticated")
	}

	api := handlers.New(repo, fileWatcher, hub, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(api, httpapi.Options{Auth: auth, Metrics: m}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr, "remote_host", remote.Host(), "remote", remote.URI(cfg.Remote.Dir), "store", repo.Dialect())
	serverErr := httpapi.RunServer(ctx, httpServer, logger)

	stopCtx, cancel := context.WithTimeout(context.Background(), watcherStopTimeout)
	defer cancel()
	if err := fileWatcher.Stop(stopCtx); err != nil {
		logger.Warn("watcher force-stopped", "err", err)
	}

	if serverErr != nil && !errors.Is(serverErr, context.Canceled) {
		logger.Error("server terminated with error", "err", serverErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
