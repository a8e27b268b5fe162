// Package main brozzles a single page with a local browser, outside of any
// job or frontier, and prints what it found as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/app"
	"github.com/JakeFAU/browsercrawler/internal/browser"
	"github.com/JakeFAU/browsercrawler/internal/config"
	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/logging"
	"github.com/JakeFAU/browsercrawler/internal/worker"
)

type options struct {
	configPath     string
	proxy          string
	userAgent      string
	username       string
	password       string
	behaviorParams string
	skipScreenshot bool
	skipOutlinks   bool
	skipHashtags   bool
}

type result struct {
	URL         string   `json:"url"`
	RedirectURL string   `json:"redirect_url,omitempty"`
	Outlinks    []string `json:"outlinks"`
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to config file")
	flag.StringVar(&opts.proxy, "proxy", "", "HTTP proxy for the browser, e.g. localhost:8000")
	flag.StringVar(&opts.userAgent, "user-agent", "", "User agent override")
	flag.StringVar(&opts.username, "username", "", "Login form username")
	flag.StringVar(&opts.password, "password", "", "Login form password")
	flag.StringVar(&opts.behaviorParams, "behavior-parameters", "", "JSON object of behavior template parameters")
	flag.BoolVar(&opts.skipScreenshot, "skip-screenshot", false, "Do not capture a screenshot")
	flag.BoolVar(&opts.skipOutlinks, "skip-extract-outlinks", false, "Do not extract outlinks")
	flag.BoolVar(&opts.skipHashtags, "skip-visit-hashtags", false, "Do not visit same-document fragments")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] URL\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     "brozzle-page",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, opts, flag.Arg(0), logger)
	if err != nil {
		logger.Error("brozzle page failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "write result failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, pageURL string, logger *zap.Logger) (result, error) {
	site, err := crawler.NewSite("brozzle-page", "", pageURL, time.Now())
	if err != nil {
		return result{}, fmt.Errorf("build site: %w", err)
	}
	site.Proxy = opts.proxy
	site.Options = crawler.SiteOptions{
		UserAgent: opts.userAgent,
		Username:  opts.username,
		Password:  opts.password,
	}
	if opts.behaviorParams != "" {
		if err := json.Unmarshal([]byte(opts.behaviorParams), &site.Options.BehaviorParameters); err != nil {
			return result{}, fmt.Errorf("parse behavior parameters: %w", err)
		}
	}
	page := crawler.NewPage(site, site.Seed, 0, 0, "")

	services, err := app.New(ctx, cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		return result{}, fmt.Errorf("init services: %w", err)
	}
	defer func() {
		if err := services.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("service shutdown incomplete", zap.Error(err))
		}
	}()

	client := browser.NewClient(browser.Config{
		Executable:       cfg.Browser.Executable,
		Headless:         cfg.Browser.Headless,
		IgnoreCertErrors: cfg.Browser.IgnoreCertErrors,
		ExtraArgs:        cfg.Browser.ExtraArgs,
		StartTimeout:     cfg.Browser.StartTimeout,
		PageTimeout:      cfg.Browser.PageTimeout,
		BehaviorTimeout:  cfg.Browser.BehaviorTimeout,
	}, 0, logger.Named("browser"))
	defer client.Stop()

	w := worker.New(nil, nil, services.Behaviors, services.Archive, worker.NoMedia{}, nil, services.Events,
		services.Clock, worker.Config{
			ID:               "brozzle-page",
			DefaultUserAgent: cfg.Worker.UserAgent,
			DefaultProxy:     cfg.Worker.Proxy,
			SkipScreenshot:   opts.skipScreenshot,
			SkipOutlinks:     opts.skipOutlinks,
			SkipHashtags:     opts.skipHashtags,
		}, logger.Named("worker"))

	outlinks, err := w.BrozzlePage(ctx, client, site, &page)
	if err != nil {
		return result{}, err
	}
	if outlinks == nil {
		outlinks = []string{}
	}
	return result{URL: page.URL, RedirectURL: page.RedirectURL, Outlinks: outlinks}, nil
}
