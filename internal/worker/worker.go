// Package worker runs crawl sessions: it pairs browsers from the pool with
// claimed sites and brozzles their pages until the site runs dry, the
// session budget is spent or the worker shuts down.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/archive"
	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/frontier"
	"github.com/JakeFAU/browsercrawler/internal/metrics"
	"github.com/JakeFAU/browsercrawler/internal/progress"
)

const (
	defaultRole              = "brozzler-worker"
	defaultPollInterval      = 500 * time.Millisecond
	defaultHeartbeatInterval = 20 * time.Second
	defaultHeartbeatTTL      = time.Minute
	defaultSessionBudget     = 7 * time.Minute
	defaultCleanupTimeout    = time.Minute
)

// Config controls Worker behavior.
type Config struct {
	// ID names the worker in claims; it defaults to host:pid.
	ID                string
	Role              string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	// SessionBudget is how long one site is crawled before it is disclaimed.
	SessionBudget    time.Duration
	CleanupTimeout   time.Duration
	DefaultUserAgent string
	// DefaultProxy is used for sites that do not name a proxy.
	DefaultProxy   string
	SkipScreenshot bool
	SkipOutlinks   bool
	SkipHashtags   bool
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		c.ID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if c.Role == "" {
		c.Role = defaultRole
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = defaultHeartbeatTTL
	}
	if c.SessionBudget <= 0 {
		c.SessionBudget = defaultSessionBudget
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = defaultCleanupTimeout
	}
	return c
}

// Frontier is the claim protocol a Worker drives; *frontier.Frontier implements it.
type Frontier interface {
	ClaimSite(ctx context.Context, workerID string) (crawler.Site, error)
	Site(ctx context.Context, id string) (crawler.Site, error)
	EnforceTimeLimit(ctx context.Context, site crawler.Site) (bool, error)
	HonorStopRequest(ctx context.Context, site crawler.Site) error
	ClaimPage(ctx context.Context, site crawler.Site, workerID string) (crawler.Page, error)
	CompletedPage(ctx context.Context, site crawler.Site, page crawler.Page) (crawler.Site, error)
	FailedPage(ctx context.Context, site crawler.Site, page crawler.Page) (bool, error)
	ScopeAndScheduleOutlinks(ctx context.Context, site crawler.Site, parent crawler.Page, outlinks []string) (frontier.OutlinkTally, error)
	DisclaimSite(ctx context.Context, site crawler.Site, page *crawler.Page) error
	Finished(ctx context.Context, site crawler.Site, status crawler.SiteStatus) error
	ReachedLimit(ctx context.Context, site crawler.Site, rl *crawler.ReachedLimitError) error
	ForgetSite(siteID string)
}

var _ Frontier = (*frontier.Frontier)(nil)

// ScreenshotWriter persists page screenshots; *archive.Writer implements it.
type ScreenshotWriter interface {
	WriteScreenshot(ctx context.Context, site crawler.Site, pageURL string, jpeg []byte) (archive.Screenshot, error)
}

// Worker pairs browsers with claimed sites.
type Worker struct {
	pool        Pool
	frontier    Frontier
	behaviors   crawler.BehaviorProvider
	screenshots ScreenshotWriter
	media       crawler.MediaExtractor
	registry    crawler.ServiceRegistry
	events      progress.Emitter
	clock       crawler.Clock
	cfg         Config
	logger      *zap.Logger

	shutdown       atomic.Bool
	mu             sync.Mutex
	cancelSessions context.CancelFunc
	sessions       sync.WaitGroup

	// Touched only by the Run goroutine.
	status        *crawler.ServiceStatus
	lastHeartbeat time.Time
	state         string
}

// New constructs a Worker. behaviors, screenshots, media, registry and events
// may be nil.
func New(
	pool Pool,
	front Frontier,
	behaviors crawler.BehaviorProvider,
	screenshots ScreenshotWriter,
	media crawler.MediaExtractor,
	registry crawler.ServiceRegistry,
	events progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if media == nil {
		media = NoMedia{}
	}
	metrics.Init()
	cfg = cfg.withDefaults()
	return &Worker{
		pool:        pool,
		frontier:    front,
		behaviors:   behaviors,
		screenshots: screenshots,
		media:       media,
		registry:    registry,
		events:      events,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.With(zap.String("worker_id", cfg.ID)),
	}
}

// ID is the claimant name this worker uses.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run blocks, starting a session whenever a browser and a site are both
// available, until ctx is done or Shutdown is called. It waits for running
// sessions to clean up before returning.
func (w *Worker) Run(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.cancelSessions = cancel
	w.mu.Unlock()
	defer cancel()

	w.logger.Info("worker starting", zap.Int("pool_size", w.pool.Size()))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for !w.shuttingDown() {
		w.heartbeat(ctx)
		if w.startSession(ctx, sessionCtx) {
			continue
		}
		select {
		case <-ctx.Done():
			w.Shutdown()
		case <-ticker.C:
		}
	}

	w.sessions.Wait()
	w.unregister()
	w.logger.Info("worker stopped")
	return nil
}

// startSession acquires a browser and claims a site, spawning a session when
// both succeed. It reports whether a session was started.
func (w *Worker) startSession(ctx, sessionCtx context.Context) bool {
	b, err := w.pool.Acquire()
	if err != nil {
		if errors.Is(err, crawler.ErrNoCapacity) {
			w.setState("all browsers in use")
		} else {
			w.logger.Error("acquire browser failed", zap.Error(err))
		}
		return false
	}
	metrics.SetBrowsersInUse(w.pool.InUse())

	site, err := w.frontier.ClaimSite(ctx, w.cfg.ID)
	if err != nil {
		w.pool.Release(b)
		metrics.SetBrowsersInUse(w.pool.InUse())
		if errors.Is(err, crawler.ErrNothingToClaim) {
			w.setState("no sites to claim")
		} else {
			w.logger.Error("claim site failed", zap.Error(err))
		}
		return false
	}
	w.setState("")

	w.sessions.Add(1)
	go func() {
		defer w.sessions.Done()
		w.runSession(sessionCtx, b, site)
	}()
	return true
}

// setState logs idle-state transitions once instead of on every poll.
func (w *Worker) setState(state string) {
	if state == w.state {
		return
	}
	if state != "" {
		w.logger.Info(state)
	} else if w.state != "" {
		w.logger.Info("resuming crawl", zap.String("previous_state", w.state))
	}
	w.state = state
}

// Shutdown stops the worker: no new sessions start, running sessions end at
// their next page and in-use browsers are stopped.
func (w *Worker) Shutdown() {
	if w.shutdown.Swap(true) {
		return
	}
	w.logger.Info("worker shutting down")
	w.mu.Lock()
	if w.cancelSessions != nil {
		w.cancelSessions()
	}
	w.mu.Unlock()
	w.pool.ShutdownNow()
}

func (w *Worker) shuttingDown() bool {
	return w.shutdown.Load()
}

// heartbeat publishes the worker's liveness record when one is overdue.
func (w *Worker) heartbeat(ctx context.Context) {
	if w.registry == nil {
		return
	}
	now := w.clock.Now()
	if !w.lastHeartbeat.IsZero() && now.Sub(w.lastHeartbeat) < w.cfg.HeartbeatInterval {
		return
	}
	if w.status == nil {
		host, _ := os.Hostname()
		w.status = &crawler.ServiceStatus{
			ID:   w.cfg.ID,
			Role: w.cfg.Role,
			Host: host,
			PID:  os.Getpid(),
			TTL:  w.cfg.HeartbeatTTL,
		}
	}
	inUse, size := w.pool.InUse(), w.pool.Size()
	w.status.Load = float64(inUse) / float64(size)
	w.status.Available = inUse < size && !w.shuttingDown()
	if err := w.registry.Heartbeat(ctx, *w.status); err != nil {
		w.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	w.lastHeartbeat = now
	w.emit(progress.Event{Stage: progress.StageWorkerHB, Note: fmt.Sprintf("load=%.2f", w.status.Load)})
}

func (w *Worker) unregister() {
	if w.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CleanupTimeout)
	defer cancel()
	if err := w.registry.Unregister(ctx, w.cfg.ID); err != nil {
		w.logger.Warn("unregister failed", zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.events == nil {
		return
	}
	evt.TS = w.clock.Now()
	evt.WorkerID = w.cfg.ID
	w.events.Emit(evt)
}
