// Package browser drives Chrome over the DevTools remote-debugging protocol.
//
// A Client owns one browser process and one websocket connection. A single
// receive goroutine reads every message: command responses are delivered to
// per-command channels, and events that must end a browse (tab crash, proxy
// failure, archiving limit) trip the current browse's abort channel. Every
// blocking wait selects over its result, the abort channel, a timer and the
// caller's context.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// State is the lifecycle state of a Client.
type State string

// Client states.
const (
	StateNotStarted State = "NOT_STARTED"
	StateStarted    State = "STARTED"
	StateBrowsing   State = "BROWSING"
	StateStopped    State = "STOPPED"
)

// Config controls how browsers are launched and how long they are waited on.
type Config struct {
	Executable       string
	Headless         bool
	IgnoreCertErrors bool
	ExtraArgs        []string
	WindowWidth      int
	WindowHeight     int
	StartTimeout     time.Duration
	StopTimeout      time.Duration
	CommandTimeout   time.Duration
	PageTimeout      time.Duration
	BehaviorTimeout  time.Duration
	PollInterval     time.Duration
	// HashtagSettle is how long each same-document fragment visit may run.
	HashtagSettle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Executable == "" {
		c.Executable = "chromium-browser"
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1300
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 1400
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 600 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 300 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 300 * time.Second
	}
	if c.BehaviorTimeout <= 0 {
		c.BehaviorTimeout = 900 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HashtagSettle <= 0 {
		c.HashtagSettle = 2 * time.Second
	}
	return c
}

// Client controls one browser instance.
type Client struct {
	cfg    Config
	logger *zap.Logger
	dial   func(context.Context, string) (transport, error)

	mu         sync.Mutex
	port       int
	state      State
	conn       transport
	pending    map[int64]chan response
	recvDone   chan struct{}
	current    *browse
	proc       *process
	profileDir string

	nextID atomic.Int64
	busy   atomic.Bool
}

// NewClient constructs a Client that will listen for DevTools on port. A zero
// or busy port is replaced by a free one at start.
func NewClient(cfg Config, port int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		dial:    dialWebSocket,
		port:    port,
		state:   StateNotStarted,
		pending: make(map[int64]chan response),
	}
}

// State reports the client's lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether the browser is started.
func (c *Client) IsRunning() bool {
	s := c.State()
	return s == StateStarted || s == StateBrowsing
}

// Port is the DevTools port of the client.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Start launches the browser, routing traffic through proxy when set, and
// blocks until the DevTools endpoint is ready. A browser that never exposes
// its endpoint within the start timeout is killed and crawler.ErrLaunchFailure
// is returned.
func (c *Client) Start(ctx context.Context, proxy string) error {
	if c.IsRunning() {
		return nil
	}
	port, err := ensurePort(c.Port())
	if err != nil {
		return fmt.Errorf("%w: %v", crawler.ErrLaunchFailure, err)
	}
	if port != c.Port() {
		c.logger.Info("devtools port busy; reassigned", zap.Int("requested", c.Port()), zap.Int("port", port))
	}
	profileDir, err := os.MkdirTemp("", "browsercrawler-profile-")
	if err != nil {
		return fmt.Errorf("%w: create profile dir: %v", crawler.ErrLaunchFailure, err)
	}
	logger := c.logger.With(zap.Int("port", port))

	proc, err := launch(c.cfg, chromeArgs(c.cfg, port, profileDir, proxy), logger)
	if err != nil {
		removeProfile(profileDir, logger)
		return fmt.Errorf("%w: %v", crawler.ErrLaunchFailure, err)
	}
	wsURL, err := waitForDebugger(ctx, port, proc, c.cfg.StartTimeout)
	if err != nil {
		proc.stop(c.cfg.StopTimeout, logger)
		removeProfile(profileDir, logger)
		return fmt.Errorf("%w: %v", crawler.ErrLaunchFailure, err)
	}
	conn, err := c.dial(ctx, wsURL)
	if err != nil {
		proc.stop(c.cfg.StopTimeout, logger)
		removeProfile(profileDir, logger)
		return fmt.Errorf("%w: %v", crawler.ErrLaunchFailure, err)
	}

	c.mu.Lock()
	c.port = port
	c.proc = proc
	c.profileDir = profileDir
	c.mu.Unlock()
	c.attach(conn)

	if err := c.enableDomains(ctx); err != nil {
		c.Stop()
		return fmt.Errorf("enable devtools domains: %w", err)
	}
	logger.Info("browser started", zap.String("websocket", wsURL))
	return nil
}

// attach wires an open connection to a fresh receive goroutine.
func (c *Client) attach(conn transport) {
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[int64]chan response)
	c.recvDone = done
	c.state = StateStarted
	c.mu.Unlock()
	go c.receive(conn, done)
}

func (c *Client) enableDomains(ctx context.Context) error {
	for _, method := range []string{
		page.CommandEnable,
		network.CommandEnable,
		runtime.CommandEnable,
		inspector.CommandEnable,
		debugger.CommandEnable,
	} {
		if err := c.call(ctx, nil, method, nil, nil); err != nil {
			return err
		}
	}
	breakpoint := debugger.SetBreakpointByURL(0).WithURLRegex(analyticsScriptRegex)
	return c.call(ctx, nil, debugger.CommandSetBreakpointByURL, breakpoint, nil)
}

// Stop closes the connection and terminates the browser's process group,
// escalating to a kill after the stop timeout. It is safe to call repeatedly;
// failures are logged.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateNotStarted || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	conn, done, proc, profileDir := c.conn, c.recvDone, c.proc, c.profileDir
	c.conn, c.proc, c.profileDir = nil, nil, ""
	c.state = StateStopped
	port := c.port
	c.mu.Unlock()

	logger := c.logger.With(zap.Int("port", port))
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("close devtools connection", zap.Error(err))
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn("devtools receiver did not exit")
		}
	}
	if proc != nil {
		proc.stop(c.cfg.StopTimeout, logger)
	}
	if profileDir != "" {
		removeProfile(profileDir, logger)
	}
	logger.Info("browser stopped")
}

func removeProfile(dir string, logger *zap.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("remove browser profile", zap.String("dir", dir), zap.Error(err))
	}
}

func chromeArgs(cfg Config, port int, profileDir, proxy string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + profileDir,
		"--use-mock-keychain",
		"--disable-background-networking",
		"--disable-renderer-backgrounding",
		"--disable-hang-monitor",
		"--disable-background-timer-throttling",
		"--mute-audio",
		"--disable-web-sockets",
		fmt.Sprintf("--window-size=%d,%d", cfg.WindowWidth, cfg.WindowHeight),
		"--no-default-browser-check",
		"--disable-first-run-ui",
		"--no-first-run",
		"--homepage=about:blank",
		"--disable-notifications",
		"--disable-extensions",
		"--disable-save-password-bubble",
		"--disable-sync",
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	if cfg.IgnoreCertErrors {
		args = append(args, "--ignore-certificate-errors")
	}
	if proxy != "" {
		args = append(args, "--proxy-server="+proxy)
	}
	args = append(args, cfg.ExtraArgs...)
	return append(args, "about:blank")
}

// ensurePort returns port when it can be bound, otherwise a free port.
func ensurePort(port int) (int, error) {
	if port > 0 {
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			if closeErr := l.Close(); closeErr != nil {
				return 0, fmt.Errorf("release port probe: %w", closeErr)
			}
			return port, nil
		}
	}
	return FreePort()
}

// FreePort asks the kernel for an unused loopback port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected listener address")
	}
	return addr.Port, nil
}

type devtoolsTarget struct {
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// waitForDebugger polls the DevTools HTTP endpoint until a page target
// exposes a websocket URL.
func waitForDebugger(ctx context.Context, port int, proc *process, timeout time.Duration) (string, error) {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/json", port)
	httpClient := &http.Client{Timeout: 2 * time.Second}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if url, ok := pageTarget(ctx, httpClient, endpoint); ok {
			return url, nil
		}
		select {
		case <-ticker.C:
		case <-proc.exited:
			return "", fmt.Errorf("browser exited before devtools was ready: %v", proc.waitErr)
		case <-deadline.C:
			return "", fmt.Errorf("devtools endpoint %s not ready after %s", endpoint, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func pageTarget(ctx context.Context, httpClient *http.Client, endpoint string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	var targets []devtoolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", false
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, true
		}
	}
	return "", false
}
