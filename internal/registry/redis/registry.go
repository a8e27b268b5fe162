// Package redis implements the service registry on Redis. Each service is a
// JSON value whose key expires after the service's TTL, so dead workers drop
// out without a sweeper.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

const (
	defaultPrefix = "crawler:services:"
	defaultTTL    = time.Minute
	scanCount     = 100
)

// Config configures the Redis registry.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Registry stores service heartbeats in Redis.
type Registry struct {
	client client
	prefix string
	ttl    time.Duration
	clock  crawler.Clock
	logger *zap.Logger
}

var _ crawler.ServiceRegistry = (*Registry)(nil)

// New connects a Registry to the Redis server in cfg.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Registry {
	c := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return newRegistry(c, cfg, clock, logger)
}

func newRegistry(c client, cfg Config, clock crawler.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Registry{client: c, prefix: cfg.Prefix, ttl: cfg.TTL, clock: clock, logger: logger}
}

// Ping checks the Redis connection.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Heartbeat writes status with a fresh expiry, keeping the first heartbeat
// time of a service that is already registered.
func (r *Registry) Heartbeat(ctx context.Context, status crawler.ServiceStatus) error {
	if status.ID == "" {
		return errors.New("service id is required")
	}
	if status.TTL <= 0 {
		status.TTL = r.ttl
	}
	now := r.clock.Now()
	status.FirstHeartbeat = now
	prev, ok, err := r.get(ctx, r.prefix+status.ID)
	if err != nil {
		return err
	}
	if ok && !prev.FirstHeartbeat.IsZero() {
		status.FirstHeartbeat = prev.FirstHeartbeat
	}
	status.LastHeartbeat = now

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal service status: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+status.ID, payload, status.TTL).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", status.ID, err)
	}
	return nil
}

// Unregister deletes the service record.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("unregister %s: %w", id, err)
	}
	return nil
}

// Available lists the live, available services of role, least loaded first.
func (r *Registry) Available(ctx context.Context, role string) ([]crawler.ServiceStatus, error) {
	var (
		out    []crawler.ServiceStatus
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan services: %w", err)
		}
		for _, key := range keys {
			s, ok, err := r.get(ctx, key)
			if err != nil {
				r.logger.Warn("skipping unreadable service record", zap.String("key", key), zap.Error(err))
				continue
			}
			if ok && s.Role == role && s.Available {
				out = append(out, s)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Registry) get(ctx context.Context, key string) (crawler.ServiceStatus, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crawler.ServiceStatus{}, false, nil
		}
		return crawler.ServiceStatus{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	var s crawler.ServiceStatus
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return crawler.ServiceStatus{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return s, true, nil
}
