package browser

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

//go:embed js/extract_outlinks.js
var extractOutlinksJS string

// BrowseOptions configures a single BrowsePage call.
type BrowseOptions struct {
	UserAgent    string
	ExtraHeaders map[string]string
	Username     string
	Password     string
	Behavior     *crawler.Behavior
	// PageTimeout overrides the client's load timeout when positive.
	PageTimeout         time.Duration
	SkipExtractOutlinks bool
	SkipVisitHashtags   bool
	SkipScreenshot      bool
	OnResponse          func(Response)
	OnScreenshot        func(jpeg []byte)
}

// BrowseResult is what a browse discovered.
type BrowseResult struct {
	FinalURL string
	Outlinks []string
	// Status is the HTTP status of the first document response, 0 when none was seen.
	Status int
}

// browse is the state of the browse in flight. Fields written by the receive
// goroutine are guarded by mu.
type browse struct {
	abort      *abortSignal
	onResponse func(Response)

	mu        sync.Mutex
	loaded    chan struct{}
	hasLoaded bool
	status    int
}

func newBrowse(onResponse func(Response)) *browse {
	return &browse{
		abort:      newAbortSignal(),
		onResponse: onResponse,
		loaded:     make(chan struct{}),
	}
}

// expectLoad arms a fresh load channel before a navigation.
func (b *browse) expectLoad() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = make(chan struct{})
	b.hasLoaded = false
	return b.loaded
}

func (b *browse) signalLoaded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasLoaded {
		b.hasLoaded = true
		close(b.loaded)
	}
}

func (b *browse) observeResponse(resp Response) {
	b.mu.Lock()
	if b.status == 0 && resp.ResourceType == network.ResourceTypeDocument {
		b.status = resp.Status
	}
	b.mu.Unlock()
	if b.onResponse != nil {
		b.onResponse(resp)
	}
}

func (b *browse) documentStatus() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// BrowsePage loads pageURL and runs the configured page actions. Only one
// browse may run at a time; a concurrent call fails with
// crawler.ErrBrowserBusy. A fatal browser event (tab crash, proxy failure,
// archiving limit) aborts the browse with the corresponding error.
func (c *Client) BrowsePage(ctx context.Context, pageURL string, opts BrowseOptions) (BrowseResult, error) {
	if !c.IsRunning() {
		return BrowseResult{}, &crawler.BrowsingError{Msg: "browser not started"}
	}
	if !c.busy.CompareAndSwap(false, true) {
		return BrowseResult{}, crawler.ErrBrowserBusy
	}
	defer c.busy.Store(false)

	b := newBrowse(opts.OnResponse)
	c.mu.Lock()
	c.current = b
	c.state = StateBrowsing
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		if c.state == StateBrowsing {
			c.state = StateStarted
		}
		c.mu.Unlock()
	}()

	logger := c.logger.With(zap.String("page_url", pageURL))
	pageTimeout := c.cfg.PageTimeout
	if opts.PageTimeout > 0 {
		pageTimeout = opts.PageTimeout
	}

	if err := c.configureRequests(ctx, b, opts); err != nil {
		return BrowseResult{}, err
	}
	if err := c.navigate(ctx, b, pageURL, pageTimeout, logger); err != nil {
		return BrowseResult{}, err
	}
	if opts.Username != "" && opts.Password != "" {
		if err := c.tryLogin(ctx, b, pageURL, opts, pageTimeout, logger); err != nil {
			if fatal(err) {
				return BrowseResult{}, err
			}
			logger.Warn("login attempt failed", zap.Error(err))
		}
	}
	if opts.OnScreenshot != nil && !opts.SkipScreenshot {
		if err := c.screenshot(ctx, b, opts.OnScreenshot); err != nil {
			if fatal(err) {
				return BrowseResult{}, err
			}
			logger.Warn("screenshot failed", zap.Error(err))
		}
	}
	if opts.Behavior != nil && opts.Behavior.Script != "" {
		if err := c.runBehavior(ctx, b, *opts.Behavior, logger); err != nil {
			if fatal(err) {
				return BrowseResult{}, err
			}
			logger.Warn("behavior failed", zap.String("behavior", opts.Behavior.Name), zap.Error(err))
		}
	}

	var outlinks []string
	if !opts.SkipExtractOutlinks {
		links, err := c.extractOutlinks(ctx, b)
		if err != nil {
			if fatal(err) {
				return BrowseResult{}, err
			}
			logger.Warn("outlink extraction failed", zap.Error(err))
		}
		outlinks = links
	}

	finalURL := pageURL
	var docURL string
	if err := c.evaluate(ctx, b, "document.URL", &docURL); err != nil {
		if fatal(err) {
			return BrowseResult{}, err
		}
		logger.Warn("read document url failed", zap.Error(err))
	} else if docURL != "" {
		finalURL = docURL
	}

	if !opts.SkipVisitHashtags {
		if err := c.visitHashtags(ctx, b, finalURL, outlinks, logger); err != nil {
			if fatal(err) {
				return BrowseResult{}, err
			}
			logger.Warn("hashtag visit failed", zap.Error(err))
		}
	}

	if err := b.abort.tripped(); err != nil {
		return BrowseResult{}, err
	}
	return BrowseResult{FinalURL: finalURL, Outlinks: outlinks, Status: b.documentStatus()}, nil
}

// fatal reports whether a step error must end the browse.
func fatal(err error) bool {
	return isAbort(err) ||
		errors.Is(err, crawler.ErrBrowsingTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) configureRequests(ctx context.Context, b *browse, opts BrowseOptions) error {
	if opts.UserAgent != "" {
		if err := c.call(ctx, b.abort, emulation.CommandSetUserAgentOverride, emulation.SetUserAgentOverride(opts.UserAgent), nil); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	headers := make(network.Headers, len(opts.ExtraHeaders))
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	if err := c.call(ctx, b.abort, network.CommandSetExtraHTTPHeaders, network.SetExtraHTTPHeaders(headers), nil); err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	return nil
}

// navigate loads target and waits for its load event.
func (c *Client) navigate(ctx context.Context, b *browse, target string, timeout time.Duration, logger *zap.Logger) error {
	loaded := b.expectLoad()
	var res page.NavigateReturns
	if err := c.call(ctx, b.abort, page.CommandNavigate, page.Navigate(target), &res); err != nil {
		if errors.Is(err, crawler.ErrProtocolTimeout) {
			return fmt.Errorf("navigate %s: %w", target, crawler.ErrBrowsingTimeout)
		}
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	if res.ErrorText != "" {
		logger.Warn("navigation reported an error", zap.String("error_text", res.ErrorText))
	}
	return c.waitLoaded(ctx, b, loaded, timeout)
}

func (c *Client) waitLoaded(ctx context.Context, b *browse, loaded <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-loaded:
		return b.abort.tripped()
	case <-b.abort.ch:
		return b.abort.err
	case <-timer.C:
		return fmt.Errorf("page load after %s: %w", timeout, crawler.ErrBrowsingTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleep waits for d unless the browse is aborted first.
func (c *Client) sleep(ctx context.Context, b *browse, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return b.abort.tripped()
	case <-b.abort.ch:
		return b.abort.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type evaluateResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// evaluate runs expr in the page and decodes its value into out when out is
// non-nil. Promises are awaited.
func (c *Client) evaluate(ctx context.Context, b *browse, expr string, out any) error {
	params := runtime.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(true)
	var res evaluateResult
	if err := c.call(ctx, b.abort, runtime.CommandEvaluate, params, &res); err != nil {
		return err
	}
	if ex := res.ExceptionDetails; ex != nil {
		msg := ex.Text
		if ex.Exception != nil && ex.Exception.Description != "" {
			msg = ex.Exception.Description
		}
		return fmt.Errorf("script exception: %s", msg)
	}
	if out == nil || len(res.Result.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Result.Value, out); err != nil {
		return fmt.Errorf("decode %s value: %w", res.Result.Type, err)
	}
	return nil
}

func (c *Client) screenshot(ctx context.Context, b *browse, onScreenshot func([]byte)) error {
	params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(95)
	var res page.CaptureScreenshotReturns
	if err := c.call(ctx, b.abort, page.CommandCaptureScreenshot, params, &res); err != nil {
		return err
	}
	jpeg, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	onScreenshot(jpeg)
	return nil
}

// runBehavior injects the behavior script and polls its completion predicate
// until it reports true or the behavior times out. A timeout is not an error.
func (c *Client) runBehavior(ctx context.Context, b *browse, behavior crawler.Behavior, logger *zap.Logger) error {
	if err := c.evaluate(ctx, b, behavior.Script, nil); err != nil {
		return fmt.Errorf("inject behavior: %w", err)
	}
	if behavior.Finished == "" {
		return nil
	}
	timeout := c.cfg.BehaviorTimeout
	if behavior.IdleTimeout > 0 && behavior.IdleTimeout < timeout {
		timeout = behavior.IdleTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-deadline.C:
			logger.Info("behavior timed out", zap.String("behavior", behavior.Name), zap.Duration("timeout", timeout))
			return nil
		case <-b.abort.ch:
			return b.abort.err
		case <-ctx.Done():
			return ctx.Err()
		}
		var done bool
		if err := c.evaluate(ctx, b, behavior.Finished, &done); err != nil {
			if fatal(err) {
				return err
			}
			logger.Debug("behavior poll failed", zap.Error(err))
			continue
		}
		if done {
			logger.Debug("behavior finished", zap.String("behavior", behavior.Name))
			return nil
		}
	}
}

func (c *Client) extractOutlinks(ctx context.Context, b *browse) ([]string, error) {
	var joined string
	if err := c.evaluate(ctx, b, extractOutlinksJS, &joined); err != nil {
		return nil, fmt.Errorf("extract outlinks: %w", err)
	}
	return splitOutlinks(joined), nil
}

func splitOutlinks(joined string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, link := range strings.Split(joined, "\n") {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

// sameDocumentFragments returns the outlinks that point at a fragment of
// pageURL, without duplicates.
func sameDocumentFragments(pageURL string, outlinks []string) []string {
	base, _, _ := strings.Cut(pageURL, "#")
	seen := make(map[string]struct{})
	var out []string
	for _, link := range outlinks {
		doc, frag, ok := strings.Cut(link, "#")
		if !ok || frag == "" || doc != base {
			continue
		}
		if _, dup := seen[frag]; dup {
			continue
		}
		seen[frag] = struct{}{}
		out = append(out, link)
	}
	return out
}

func (c *Client) visitHashtags(ctx context.Context, b *browse, pageURL string, outlinks []string, logger *zap.Logger) error {
	for _, link := range sameDocumentFragments(pageURL, outlinks) {
		logger.Debug("visiting hashtag", zap.String("url", link))
		if err := c.call(ctx, b.abort, page.CommandNavigate, page.Navigate(link), nil); err != nil {
			return fmt.Errorf("navigate %s: %w", link, err)
		}
		if err := c.sleep(ctx, b, c.cfg.HashtagSettle); err != nil {
			return err
		}
	}
	return nil
}
