package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsercrawler/internal/config"
	"github.com/JakeFAU/browsercrawler/internal/crawler"
	kafkapublisher "github.com/JakeFAU/browsercrawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/browsercrawler/internal/publisher/memory"
	memoryregistry "github.com/JakeFAU/browsercrawler/internal/registry/memory"
	redisregistry "github.com/JakeFAU/browsercrawler/internal/registry/redis"
	"github.com/JakeFAU/browsercrawler/internal/progress"
	"github.com/JakeFAU/browsercrawler/internal/progress/sinks"
)

func memoryConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Worker:    config.WorkerConfig{PoolSize: 1},
		Frontier:  config.FrontierConfig{Backend: config.BackendMemory},
		Storage:   config.StorageConfig{Backend: config.BackendMemory},
		Registry:  config.RegistryConfig{Backend: config.BackendMemory},
		Publisher: config.PublisherConfig{Backend: config.BackendNone},
	}
}

func TestNewWithMemoryBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := New(ctx, memoryConfig(), prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })

	require.NotNil(t, a.Frontier)
	require.NotNil(t, a.Robots)
	require.NotNil(t, a.Archive)
	require.NotNil(t, a.Events)
	require.Nil(t, a.Publisher)
	require.IsType(t, &memoryregistry.Registry{}, a.Registry)
	require.Equal(t, []string{"load-more", "scroll"}, a.Behaviors.Names())
	require.Empty(t, a.ReadinessChecks())

	job, sites, err := a.Frontier.NewJob(ctx, crawler.JobConf{
		Seeds: []crawler.SeedConf{{URL: "https://example.com/", Options: &crawler.SiteOptions{IgnoreRobots: true}}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Len(t, sites, 1)
}

func TestNewPublishesEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Publisher.Backend = config.BackendMemory

	a, err := New(ctx, cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	pub, ok := a.Publisher.(*memorypublisher.Publisher)
	require.True(t, ok)

	a.Events.Emit(progress.Event{
		TS:         time.Now(),
		Stage:      progress.StageSiteFinished,
		SiteID:     "site-1",
		SiteStatus: string(crawler.SiteStatusFinished),
	})
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(closeCtx))

	require.Len(t, pub.Topic(sinks.TopicSiteEvents), 1)
	_, err = pub.Publish(ctx, "x", "y")
	require.Error(t, err, "publisher closes with the hub")
}

func TestNewWithNetworkBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Storage = config.StorageConfig{Backend: config.BackendLocal, LocalDir: t.TempDir()}
	cfg.Registry.Backend = config.BackendRedis
	cfg.Registry.Redis.Addr = "127.0.0.1:1"
	cfg.Publisher.Backend = config.BackendKafka
	cfg.Publisher.Kafka.Brokers = []string{"127.0.0.1:1"}

	a, err := New(ctx, cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.IsType(t, &redisregistry.Registry{}, a.Registry)
	require.IsType(t, &kafkapublisher.Publisher{}, a.Publisher)
	require.Contains(t, a.ReadinessChecks(), "redis")
}

func TestNewCustomBehaviors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "behaviors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- name: only-scroll
  url_regex: '.*'
  template: scroll.js.tmpl
  default_parameters: {StableRounds: 1, IntervalMillis: 10}
`), 0o600))
	cfg := memoryConfig()
	cfg.Browser.BehaviorsFile = path

	a, err := New(context.Background(), cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	defer a.Close(context.Background()) //nolint:errcheck // test cleanup
	require.Equal(t, []string{"only-scroll"}, a.Behaviors.Names())
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]func(*config.Config){
		"unknown frontier":  func(c *config.Config) { c.Frontier.Backend = "sqlite" },
		"bad postgres dsn":  func(c *config.Config) { c.Frontier.Backend = config.BackendPostgres; c.DB.DSN = "postgres://%zz" },
		"missing behaviors": func(c *config.Config) { c.Browser.BehaviorsFile = "/does/not/exist.yaml" },
		"unknown storage":   func(c *config.Config) { c.Storage.Backend = "s3" },
		"unknown registry":  func(c *config.Config) { c.Registry.Backend = "etcd" },
		"unknown publisher": func(c *config.Config) { c.Publisher.Backend = "nats" },
		"kafka no brokers":  func(c *config.Config) { c.Publisher.Backend = config.BackendKafka },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := memoryConfig()
			mutate(&cfg)
			_, err := New(context.Background(), cfg, prometheus.NewRegistry(), nil)
			require.Error(t, err)
		})
	}
}

func TestNewDuplicateMetricsRegistration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a, err := New(context.Background(), memoryConfig(), reg, nil)
	require.NoError(t, err)
	defer a.Close(context.Background()) //nolint:errcheck // test cleanup

	_, err = New(context.Background(), memoryConfig(), reg, nil)
	require.ErrorContains(t, err, "prometheus sink")
}
