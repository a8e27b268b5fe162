// Package main runs a crawl worker: a pool of browsers that claims sites from
// the shared frontier and brozzles their pages until told to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/browsercrawler/internal/api"
	"github.com/JakeFAU/browsercrawler/internal/app"
	"github.com/JakeFAU/browsercrawler/internal/browser"
	"github.com/JakeFAU/browsercrawler/internal/config"
	"github.com/JakeFAU/browsercrawler/internal/logging"
	"github.com/JakeFAU/browsercrawler/internal/worker"
)

const role = "brozzler-worker"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     role,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("crawl worker failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	services, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := services.Close(closeCtx); err != nil {
			logger.Warn("service shutdown incomplete", zap.Error(err))
		}
	}()

	browsers := browser.NewPool(cfg.Worker.PoolSize, browser.Config{
		Executable:       cfg.Browser.Executable,
		Headless:         cfg.Browser.Headless,
		IgnoreCertErrors: cfg.Browser.IgnoreCertErrors,
		ExtraArgs:        cfg.Browser.ExtraArgs,
		StartTimeout:     cfg.Browser.StartTimeout,
		PageTimeout:      cfg.Browser.PageTimeout,
		BehaviorTimeout:  cfg.Browser.BehaviorTimeout,
	}, logger.Named("browser"))

	w := worker.New(
		worker.NewClientPool(browsers),
		services.Frontier,
		services.Behaviors,
		services.Archive,
		worker.NoMedia{},
		services.Registry,
		services.Events,
		services.Clock,
		workerConfig(cfg.Worker),
		logger.Named("worker"),
	)

	apiServer := api.NewServer(services.Frontier, services.Registry, services.ReadinessChecks(), api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Role:           role,
	}, logger.Named("api"))
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func workerConfig(c config.WorkerConfig) worker.Config {
	return worker.Config{
		ID:                c.ID,
		Role:              role,
		PollInterval:      c.PollInterval,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTTL:      c.HeartbeatTTL,
		SessionBudget:     c.SessionBudget,
		DefaultUserAgent:  c.UserAgent,
		DefaultProxy:      c.Proxy,
		SkipScreenshot:    c.SkipScreenshot,
		SkipOutlinks:      c.SkipOutlinks,
		SkipHashtags:      c.SkipHashtags,
	}
}
