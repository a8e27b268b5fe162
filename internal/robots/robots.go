// Package robots decides whether a site may fetch a URL under robots.txt.
//
// A Policy is owned by one worker. Its cache is keyed by site and origin, so
// two sites crawling the same host through different proxies or user agents
// never share rules, and entries for a site can be dropped when the worker
// is done with it.
package robots

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/metrics"
)

const (
	defaultUserAgent    = "browsercrawler"
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

var allowAll = mustAllowAll()

func mustAllowAll() *robotstxt.RobotsData {
	data, err := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	if err != nil {
		panic(err)
	}
	return data
}

var retryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Config controls robots.txt fetching.
type Config struct {
	// UserAgent is used when a site does not configure its own.
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond bounds robots.txt fetches per host; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	MaxBodyBytes      int64
}

// Policy implements crawler.RobotsPolicy with a per-site rules cache.
type Policy struct {
	cfg    Config
	logger *zap.Logger
	// newClient builds the HTTP client for a proxy; replaced in tests.
	newClient func(proxy string) (*http.Client, error)
	backoff   []time.Duration

	mu       sync.Mutex
	cache    map[cacheKey]*robotstxt.RobotsData
	limiters map[string]*rate.Limiter
}

type cacheKey struct {
	siteID string
	origin string
}

var _ crawler.RobotsPolicy = (*Policy)(nil)

// New builds a Policy.
func New(cfg Config, logger *zap.Logger) *Policy {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	p := &Policy{
		cfg:      cfg,
		logger:   logger,
		backoff:  retryBackoff,
		cache:    make(map[cacheKey]*robotstxt.RobotsData),
		limiters: make(map[string]*rate.Limiter),
	}
	p.newClient = p.proxyClient
	return p
}

// Allowed reports whether site may fetch rawURL. Sites that ignore robots
// are always allowed. When the archiving proxy refuses the robots.txt fetch
// a *crawler.ReachedLimitError is returned; other fetch failures are
// returned with allowed set to true.
func (p *Policy) Allowed(ctx context.Context, site crawler.Site, rawURL string) (bool, error) {
	if site.Options.IgnoreRobots {
		return true, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return true, nil
	}
	data, err := p.rules(ctx, site, u)
	if err != nil {
		if _, ok := crawler.IsReachedLimit(err); ok {
			return false, err
		}
		return true, err
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.TestAgent(path, p.userAgent(site)), nil
}

// Forget drops cached rules for siteID.
func (p *Policy) Forget(siteID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.cache {
		if k.siteID == siteID {
			delete(p.cache, k)
		}
	}
}

func (p *Policy) userAgent(site crawler.Site) string {
	if site.Options.UserAgent != "" {
		return site.Options.UserAgent
	}
	return p.cfg.UserAgent
}

func (p *Policy) rules(ctx context.Context, site crawler.Site, u *url.URL) (*robotstxt.RobotsData, error) {
	key := cacheKey{siteID: site.ID, origin: strings.ToLower(u.Scheme + "://" + u.Host)}
	p.mu.Lock()
	data, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return data, nil
	}

	data, err := p.fetch(ctx, site, key.origin+"/robots.txt", strings.ToLower(u.Hostname()))
	if err != nil {
		metrics.ObserveRobotsFetch("error")
		if _, ok := crawler.IsReachedLimit(err); ok || ctx.Err() != nil {
			return nil, err
		}
		// Unreachable robots.txt allows the origin for the rest of the site's
		// crawl instead of being refetched for every outlink.
		p.logger.Warn("robots.txt fetch failed; allowing origin",
			zap.String("site_id", site.ID),
			zap.String("origin", key.origin),
			zap.Error(err),
		)
		p.mu.Lock()
		p.cache[key] = allowAll
		p.mu.Unlock()
		return nil, err
	}
	metrics.ObserveRobotsFetch("ok")
	p.mu.Lock()
	p.cache[key] = data
	p.mu.Unlock()
	return data, nil
}

func (p *Policy) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.Burst)
		p.limiters[host] = l
	}
	return l
}

func (p *Policy) fetch(ctx context.Context, site crawler.Site, robotsURL, host string) (*robotstxt.RobotsData, error) {
	client, err := p.newClient(site.Proxy)
	if err != nil {
		return nil, err
	}
	if p.cfg.RequestsPerSecond > 0 {
		start := time.Now()
		if err := p.limiter(host).Wait(ctx); err != nil {
			return nil, fmt.Errorf("robots rate limit wait: %w", err)
		}
		metrics.ObserveRateLimitDelay(host, time.Since(start))
	}

	maxAttempts := len(p.backoff) + 1
	for attempt := 0; ; attempt++ {
		data, err := p.fetchOnce(ctx, client, site, robotsURL)
		if err == nil {
			return data, nil
		}
		if attempt == maxAttempts-1 || !isTransient(err) {
			return nil, err
		}
		p.logger.Debug("retrying robots.txt fetch", zap.String("url", robotsURL), zap.Int("attempt", attempt+1), zap.Error(err))
		if err := sleepWithContext(ctx, p.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (p *Policy) fetchOnce(ctx context.Context, client *http.Client, site crawler.Site, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	headers, err := site.ExtraHeaders()
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", p.userAgent(site))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode == 420 {
		if meta := resp.Header.Get(crawler.WarcproxMetaHeader); meta != "" && strings.Contains(meta, "reached-limit") {
			return nil, crawler.NewReachedLimitError(meta)
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func (p *Policy) proxyClient(proxy string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		if !strings.Contains(proxy, "://") {
			proxy = "http://" + proxy
		}
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		// The archiving proxy presents its own certificate.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	return &http.Client{Timeout: p.cfg.Timeout, Transport: transport}, nil
}

func isTransient(err error) bool {
	if _, ok := crawler.IsReachedLimit(err); ok {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
