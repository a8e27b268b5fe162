// Package app builds the long-lived services shared by the crawler binaries
// from configuration, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/api"
	"github.com/JakeFAU/browsercrawler/internal/archive"
	"github.com/JakeFAU/browsercrawler/internal/behaviors"
	"github.com/JakeFAU/browsercrawler/internal/clock/system"
	"github.com/JakeFAU/browsercrawler/internal/config"
	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/frontier"
	"github.com/JakeFAU/browsercrawler/internal/hash/sha256"
	"github.com/JakeFAU/browsercrawler/internal/id/uuid"
	"github.com/JakeFAU/browsercrawler/internal/progress"
	"github.com/JakeFAU/browsercrawler/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/browsercrawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/browsercrawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/browsercrawler/internal/publisher/pubsub"
	memoryregistry "github.com/JakeFAU/browsercrawler/internal/registry/memory"
	redisregistry "github.com/JakeFAU/browsercrawler/internal/registry/redis"
	"github.com/JakeFAU/browsercrawler/internal/robots"
	gcsstore "github.com/JakeFAU/browsercrawler/internal/storage/gcs"
	localstore "github.com/JakeFAU/browsercrawler/internal/storage/local"
	memorystore "github.com/JakeFAU/browsercrawler/internal/storage/memory"
	"github.com/JakeFAU/browsercrawler/internal/storage/postgres"
)

// App holds the shared services built from one Config.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     crawler.Clock
	Frontier  *frontier.Frontier
	Robots    *robots.Policy
	Behaviors *behaviors.Catalogue
	Archive   *archive.Writer
	Registry  crawler.ServiceRegistry
	// Publisher is nil when the publisher backend is "none".
	Publisher crawler.Publisher
	Events    *progress.Hub

	checks  map[string]api.ReadinessCheck
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// New builds every service cfg selects. reg receives the progress metrics;
// nil means the default Prometheus registerer. Services already built are
// closed when a later one fails.
func New(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
		checks: map[string]api.ReadinessCheck{},
	}
	if err := a.build(ctx, reg); err != nil {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("closing partially built services failed", zap.Error(cerr))
		}
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, reg prometheus.Registerer) error {
	cfg := a.Config
	a.Robots = robots.New(robots.Config{
		UserAgent:         cfg.Robots.UserAgent,
		Timeout:           cfg.Robots.Timeout,
		RequestsPerSecond: cfg.Robots.RequestsPerSecond,
		Burst:             cfg.Robots.Burst,
	}, a.Logger.Named("robots"))

	store, err := a.frontierStore(ctx)
	if err != nil {
		return err
	}
	a.Frontier = frontier.New(store, a.Robots, a.Clock, uuid.New(), frontier.Config{
		StaleAfter:      cfg.Frontier.StaleAfter,
		ClaimBatch:      cfg.Frontier.ClaimBatch,
		MaxPageFailures: cfg.Frontier.MaxPageFailures,
	}, a.Logger.Named("frontier"))

	if a.Behaviors, err = loadBehaviors(cfg.Browser.BehaviorsFile); err != nil {
		return err
	}

	blobs, err := a.blobStore(ctx)
	if err != nil {
		return err
	}
	a.Archive = archive.New(blobs, sha256.NewTruncated(16), a.Clock, archive.Config{
		ThumbnailWidth: cfg.Storage.ThumbnailWidth,
	}, a.Logger.Named("archive"))

	if a.Registry, err = a.registry(); err != nil {
		return err
	}
	if a.Publisher, err = a.publisher(ctx); err != nil {
		return err
	}
	return a.events(reg)
}

func (a *App) frontierStore(ctx context.Context) (crawler.FrontierStore, error) {
	switch a.Config.Frontier.Backend {
	case config.BackendMemory:
		return memorystore.NewFrontierStore(), nil
	case config.BackendPostgres:
		db := a.Config.DB
		store, err := postgres.NewFrontierStore(ctx, postgres.Config{
			DSN:             db.DSN,
			TablePrefix:     db.TablePrefix,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres frontier store: %w", err)
		}
		a.checks["postgres"] = store.Ping
		a.onClose("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		return nil, fmt.Errorf("unknown frontier backend: %s", a.Config.Frontier.Backend)
	}
}

func loadBehaviors(path string) (*behaviors.Catalogue, error) {
	if path == "" {
		catalogue, err := behaviors.Default()
		if err != nil {
			return nil, fmt.Errorf("load built-in behaviors: %w", err)
		}
		return catalogue, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read behaviors file: %w", err)
	}
	return behaviors.Parse(data)
}

func (a *App) blobStore(ctx context.Context) (archive.BlobStore, error) {
	st := a.Config.Storage
	switch st.Backend {
	case config.BackendMemory:
		return memorystore.NewBlobStore(), nil
	case config.BackendLocal:
		store, err := localstore.New(localstore.Config{BaseDir: st.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		a.onClose("local", func(context.Context) error { return store.Close() })
		return store, nil
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: st.GCSBucket, Prefix: st.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", st.Backend)
	}
}

func (a *App) registry() (crawler.ServiceRegistry, error) {
	switch a.Config.Registry.Backend {
	case config.BackendMemory:
		return memoryregistry.New(a.Clock), nil
	case config.BackendRedis:
		r := redisregistry.New(a.Config.Registry.Redis, a.Clock, a.Logger.Named("registry"))
		a.checks["redis"] = r.Ping
		a.onClose("redis", func(context.Context) error { return r.Close() })
		return r, nil
	default:
		return nil, fmt.Errorf("unknown registry backend: %s", a.Config.Registry.Backend)
	}
}

func (a *App) publisher(ctx context.Context) (crawler.Publisher, error) {
	pc := a.Config.Publisher
	switch pc.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return memorypublisher.New(), nil
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, pc.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		return pubsubpublisher.New(client, pc.PubSub, a.Logger.Named("pubsub")), nil
	case config.BackendKafka:
		p, err := kafkapublisher.New(pc.Kafka)
		if err != nil {
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown publisher backend: %s", pc.Backend)
	}
}

// events starts the progress hub. The publisher sink owns the publisher and
// closes it when the hub closes.
func (a *App) events(reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		if c, ok := a.Publisher.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	all := []progress.Sink{sinks.NewLogSink(a.Logger.Named("events")), promSink}
	if a.Publisher != nil {
		pubSink := sinks.NewPublisherSink(a.Publisher, a.Logger.Named("events"))
		pubSink.IncludePageStart = a.Config.Publisher.IncludePageStart
		all = append(all, pubSink)
	}
	a.Events = progress.NewHub(progress.Config{Logger: a.Logger.Named("hub")}, all...)
	a.onClose("events", a.Events.Close)
	return nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// ReadinessChecks returns the checks for the downstreams this App dials.
func (a *App) ReadinessChecks() map[string]api.ReadinessCheck {
	out := make(map[string]api.ReadinessCheck, len(a.checks))
	for k, v := range a.checks {
		out[k] = v
	}
	return out
}

// Close shuts services down in reverse order of construction and flushes
// the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.Logger.Warn("closing service failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
