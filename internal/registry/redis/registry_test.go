package redis

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	expiry  map[string]time.Duration
	failSet bool
	pingErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, expiry: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return redis.NewStatusResult("", errors.New("READONLY"))
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.expiry[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Scan returns one key per page to exercise cursor handling.
func (f *fakeRedis) Scan(_ context.Context, cursor uint64, match string, _ int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.values {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if int(cursor) >= len(keys) {
		return redis.NewScanCmdResult(nil, 0, nil)
	}
	next := cursor + 1
	if int(next) >= len(keys) {
		next = 0
	}
	return redis.NewScanCmdResult(keys[cursor:cursor+1], next, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) Close() error { return nil }

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func TestHeartbeatWritesWithTTL(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	clock := &fixedClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	r := newRegistry(fake, Config{TTL: 30 * time.Second}, clock, nil)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, crawler.ServiceStatus{ID: "w1", Role: "worker", Available: true}))
	require.Equal(t, 30*time.Second, fake.expiry[defaultPrefix+"w1"])

	first := clock.t
	clock.t = clock.t.Add(10 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, crawler.ServiceStatus{ID: "w1", Role: "worker", Available: true, Load: 0.5}))

	got, err := r.Available(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, first, got[0].FirstHeartbeat)
	require.Equal(t, clock.t, got[0].LastHeartbeat)
	require.InDelta(t, 0.5, got[0].Load, 0.0001)
}

func TestAvailableWalksAllPages(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	r := newRegistry(fake, Config{Prefix: "svc:"}, &fixedClock{t: time.Now()}, nil)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, crawler.ServiceStatus{ID: "a", Role: "worker", Available: true, Load: 0.7}))
	require.NoError(t, r.Heartbeat(ctx, crawler.ServiceStatus{ID: "b", Role: "worker", Available: true, Load: 0.2}))
	require.NoError(t, r.Heartbeat(ctx, crawler.ServiceStatus{ID: "c", Role: "worker", Available: false}))
	require.NoError(t, r.Heartbeat(ctx, crawler.ServiceStatus{ID: "d", Role: "api", Available: true}))
	fake.values["svc:garbage"] = "{not json"

	got, err := r.Available(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
	require.Equal(t, "a", got[1].ID)

	require.NoError(t, r.Unregister(ctx, "b"))
	got, err = r.Available(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestHeartbeatErrors(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	r := newRegistry(fake, Config{}, &fixedClock{t: time.Now()}, nil)

	require.Error(t, r.Heartbeat(context.Background(), crawler.ServiceStatus{}))

	fake.failSet = true
	err := r.Heartbeat(context.Background(), crawler.ServiceStatus{ID: "w"})
	require.ErrorContains(t, err, "READONLY")
}

func TestPing(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	r := newRegistry(fake, Config{}, nil, nil)
	require.NoError(t, r.Ping(context.Background()))

	fake.pingErr = errors.New("connection refused")
	require.ErrorContains(t, r.Ping(context.Background()), "ping redis")
}
