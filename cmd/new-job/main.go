// Package main queues a crawl job described by a YAML file, or requests that a
// running job stop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/app"
	"github.com/JakeFAU/browsercrawler/internal/config"
	"github.com/JakeFAU/browsercrawler/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	stopJob := flag.String("stop", "", "Request that the job with this id stop instead of creating one")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] JOB.yaml\n       %s [flags] -stop JOB_ID\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if (*stopJob == "") == (flag.NArg() == 0) || flag.NArg() > 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     "new-job",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *stopJob, flag.Arg(0), logger); err != nil {
		logger.Error("new-job failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, stopJobID, jobPath string, logger *zap.Logger) error {
	if cfg.Frontier.Backend == config.BackendMemory {
		logger.Warn("frontier backend is memory; the job will not be visible to workers in other processes")
	}
	services, err := app.New(ctx, cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer func() {
		if err := services.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("service shutdown incomplete", zap.Error(err))
		}
	}()

	if stopJobID != "" {
		if err := services.Frontier.RequestStop(ctx, stopJobID); err != nil {
			return fmt.Errorf("stop job %s: %w", stopJobID, err)
		}
		logger.Info("stop requested", zap.String("job_id", stopJobID))
		return nil
	}

	conf, err := loadJobConf(jobPath)
	if err != nil {
		return err
	}
	job, sites, err := services.Frontier.NewJob(ctx, conf)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	siteIDs := make([]string, len(sites))
	for i, site := range sites {
		siteIDs[i] = site.ID
	}
	logger.Info("job queued", zap.String("job_id", job.ID), zap.Int("sites", len(sites)))
	return json.NewEncoder(os.Stdout).Encode(map[string]any{"job_id": job.ID, "site_ids": siteIDs})
}
