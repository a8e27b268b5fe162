package robots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/metrics"
)

func newTestPolicy(t *testing.T, handler http.HandlerFunc) (*Policy, *httptest.Server) {
	t.Helper()
	metrics.Init()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := New(Config{UserAgent: "testbot"}, nil)
	p.backoff = []time.Duration{time.Millisecond}
	return p, srv
}

func TestAllowedHonorsRules(t *testing.T) {
	t.Parallel()
	var fetches atomic.Int32
	p, srv := newTestPolicy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/robots.txt", r.URL.Path)
		fetches.Add(1)
		_, _ = w.Write([]byte("User-agent: testbot\nDisallow: /private\n\nUser-agent: otherbot\nDisallow: /\n"))
	})
	site := crawler.Site{ID: "s1"}

	ok, err := p.Allowed(context.Background(), site, srv.URL+"/public/page")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Allowed(context.Background(), site, srv.URL+"/private/page")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int32(1), fetches.Load(), "rules are cached per site")

	site.Options.UserAgent = "otherbot"
	site.ID = "s2"
	ok, err = p.Allowed(context.Background(), site, srv.URL+"/public/page")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int32(2), fetches.Load())

	p.Forget("s1")
	_, err = p.Allowed(context.Background(), crawler.Site{ID: "s1"}, srv.URL+"/x")
	require.NoError(t, err)
	require.Equal(t, int32(3), fetches.Load())
}

func TestAllowedIgnoreRobots(t *testing.T) {
	t.Parallel()
	p, srv := newTestPolicy(t, func(http.ResponseWriter, *http.Request) {
		t.Error("robots.txt must not be fetched")
	})
	site := crawler.Site{ID: "s1", Options: crawler.SiteOptions{IgnoreRobots: true}}
	ok, err := p.Allowed(context.Background(), site, srv.URL+"/private")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowedMissingRobotsAllowsAll(t *testing.T) {
	t.Parallel()
	p, srv := newTestPolicy(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ok, err := p.Allowed(context.Background(), crawler.Site{ID: "s1"}, srv.URL+"/anything")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowedReachedLimit(t *testing.T) {
	t.Parallel()
	p, srv := newTestPolicy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.JSONEq(t, `{"warc-prefix":"job1"}`, r.Header.Get("Warcprox-Meta"))
		w.Header().Set("Warcprox-Meta", `{"reached-limit":{"job1/total/urls":100}}`)
		w.WriteHeader(420)
	})
	site := crawler.Site{ID: "s1", Options: crawler.SiteOptions{WarcproxMeta: map[string]any{"warc-prefix": "job1"}}}

	ok, err := p.Allowed(context.Background(), site, srv.URL+"/page")
	require.False(t, ok)
	rl, isLimit := crawler.IsReachedLimit(err)
	require.True(t, isLimit)
	require.JSONEq(t, `{"job1/total/urls":100}`, string(rl.Payload))
}

func TestAllowedFetchErrorAllows(t *testing.T) {
	t.Parallel()
	p := New(Config{}, nil)
	metrics.Init()
	p.backoff = nil
	ok, err := p.Allowed(context.Background(), crawler.Site{ID: "s1"}, "http://127.0.0.1:1/page")
	require.Error(t, err)
	require.True(t, ok)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestAllowedFetchErrorIsCachedPerSite(t *testing.T) {
	t.Parallel()
	metrics.Init()
	p := New(Config{}, nil)
	var fetches atomic.Int32
	p.newClient = func(string) (*http.Client, error) {
		return &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			fetches.Add(1)
			return nil, errors.New("connection refused")
		})}, nil
	}

	site := crawler.Site{ID: "s1"}
	ok, err := p.Allowed(context.Background(), site, "http://unreachable.example/0")
	require.Error(t, err)
	require.True(t, ok)
	for i := 1; i < 10; i++ {
		ok, err = p.Allowed(context.Background(), site, fmt.Sprintf("http://unreachable.example/%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, int32(1), fetches.Load())

	// Another site gets its own attempt, and so does s1 once forgotten.
	_, err = p.Allowed(context.Background(), crawler.Site{ID: "s2"}, "http://unreachable.example/0")
	require.Error(t, err)
	p.Forget("s1")
	_, err = p.Allowed(context.Background(), site, "http://unreachable.example/0")
	require.Error(t, err)
	require.Equal(t, int32(3), fetches.Load())
}

func TestAllowedCanceledFetchIsNotCached(t *testing.T) {
	t.Parallel()
	p, srv := newTestPolicy(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Allowed(ctx, crawler.Site{ID: "s1"}, srv.URL+"/private/page")
	require.Error(t, err)

	ok, err := p.Allowed(context.Background(), crawler.Site{ID: "s1"}, srv.URL+"/private/page")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllowedNonHTTP(t *testing.T) {
	t.Parallel()
	p := New(Config{}, nil)
	ok, err := p.Allowed(context.Background(), crawler.Site{ID: "s1"}, "ftp://example.com/file")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProxyClient(t *testing.T) {
	t.Parallel()
	p := New(Config{}, nil)
	client, err := p.proxyClient("localhost:8000")
	require.NoError(t, err)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/robots.txt", nil)
	proxyURL, err := transport.Proxy(req)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", proxyURL.String())
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	require.True(t, isTransient(context.DeadlineExceeded))
	require.False(t, isTransient(context.Canceled))
	require.False(t, isTransient(crawler.NewReachedLimitError(`{"reached-limit":{}}`)))
}
