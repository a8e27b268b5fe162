package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/behaviors"
	"github.com/JakeFAU/browsercrawler/internal/browser"
	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/metrics"
	"github.com/JakeFAU/browsercrawler/internal/progress"
)

// Page outcomes recorded in metrics.
const (
	outcomeOK           = "ok"
	outcomeTimeout      = "timeout"
	outcomeReachedLimit = "reached_limit"
	outcomeProxy        = "proxy_error"
	outcomeError        = "error"
)

// BrozzlePage browses one page of site with b, starting the browser first if
// needed, and runs media extraction for it. It returns the page's outlinks and
// records a redirect on page.RedirectURL. It does not touch the frontier.
func (w *Worker) BrozzlePage(ctx context.Context, b Browser, site crawler.Site, page *crawler.Page) ([]string, error) {
	logger := w.logger.With(zap.String("site_id", site.ID), zap.String("page_url", page.URL))
	start := w.clock.Now()
	w.emit(progress.Event{Stage: progress.StagePageStart, JobID: site.JobID, SiteID: site.ID, URL: page.URL})

	outlinks, status, err := w.browse(ctx, b, site, page, logger)
	if err == nil {
		var media []string
		media, err = w.extractMedia(ctx, site, *page, logger)
		outlinks = append(outlinks, media...)
	}

	dur := w.clock.Now().Sub(start)
	outcome := pageOutcome(err)
	metrics.ObservePage(page.URL, outcome, dur)
	if err != nil {
		w.emit(progress.Event{
			Stage:  progress.StagePageError,
			JobID:  site.JobID,
			SiteID: site.ID,
			URL:    page.URL,
			Dur:    dur,
			Note:   err.Error(),
		})
		return nil, err
	}
	w.emit(progress.Event{
		Stage:       progress.StagePageDone,
		JobID:       site.JobID,
		SiteID:      site.ID,
		URL:         page.URL,
		StatusClass: progress.ClassifyStatus(status),
		Outlinks:    len(outlinks),
		Dur:         dur,
	})
	logger.Info("brozzled page", zap.Int("outlinks", len(outlinks)), zap.Duration("dur", dur))
	return outlinks, nil
}

func (w *Worker) browse(
	ctx context.Context,
	b Browser,
	site crawler.Site,
	page *crawler.Page,
	logger *zap.Logger,
) ([]string, int, error) {
	if !b.IsRunning() {
		if err := b.Start(ctx, w.proxyFor(site)); err != nil {
			return nil, 0, fmt.Errorf("start browser: %w", err)
		}
	}

	opts, err := w.browseOptions(ctx, site, page, logger)
	if err != nil {
		return nil, 0, err
	}
	result, err := b.BrowsePage(ctx, page.URL, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("browse %s: %w", page.URL, err)
	}
	page.RedirectURL = redirectTarget(page.URL, result.FinalURL)
	return result.Outlinks, result.Status, nil
}

// redirectTarget returns finalURL when it canonicalizes to something other
// than pageURL, and "" otherwise. Unparseable final URLs are not redirects.
func redirectTarget(pageURL, finalURL string) string {
	if finalURL == "" {
		return ""
	}
	canon, err := crawler.Canonicalize(finalURL)
	if err != nil || canon == pageURL {
		return ""
	}
	return finalURL
}

func (w *Worker) browseOptions(
	ctx context.Context,
	site crawler.Site,
	page *crawler.Page,
	logger *zap.Logger,
) (browser.BrowseOptions, error) {
	headers, err := site.ExtraHeaders()
	if err != nil {
		return browser.BrowseOptions{}, err
	}
	opts := browser.BrowseOptions{
		UserAgent:           site.Options.UserAgent,
		ExtraHeaders:        headers,
		Username:            site.Options.Username,
		Password:            site.Options.Password,
		SkipExtractOutlinks: w.cfg.SkipOutlinks,
		SkipVisitHashtags:   w.cfg.SkipHashtags,
		SkipScreenshot:      w.cfg.SkipScreenshot || w.screenshots == nil,
	}
	if opts.UserAgent == "" {
		opts.UserAgent = w.cfg.DefaultUserAgent
	}
	if w.behaviors != nil {
		behavior, err := w.behaviors.Resolve(page.URL, site.Options.BehaviorParameters)
		switch {
		case err == nil:
			opts.Behavior = &behavior
		case errors.Is(err, behaviors.ErrNoBehavior):
		default:
			logger.Warn("resolving behavior failed; browsing without one", zap.Error(err))
		}
	}
	if !opts.SkipScreenshot {
		pageURL := page.URL
		opts.OnScreenshot = func(jpeg []byte) {
			shot, err := w.screenshots.WriteScreenshot(ctx, site, pageURL, jpeg)
			if err != nil {
				logger.Warn("storing screenshot failed", zap.Error(err))
				return
			}
			logger.Debug("stored screenshot",
				zap.String("image_uri", shot.ImageURI),
				zap.String("thumbnail_uri", shot.ThumbnailURI),
			)
		}
	}
	return opts, nil
}

// extractMedia runs the media extractor. Its failures are logged, except for
// reached limits and proxy errors which end the session like browse errors.
func (w *Worker) extractMedia(ctx context.Context, site crawler.Site, page crawler.Page, logger *zap.Logger) ([]string, error) {
	if site.Options.SkipMedia {
		return nil, nil
	}
	res, err := w.media.Extract(ctx, w.cfg.ID, site, page)
	if err != nil {
		if _, ok := crawler.IsReachedLimit(err); ok || errors.Is(err, crawler.ErrProxy) {
			return nil, fmt.Errorf("media extraction for %s: %w", page.URL, err)
		}
		logger.Warn("media extraction failed", zap.Error(err))
		return nil, nil
	}
	if len(res.Fetched) > 0 {
		logger.Debug("fetched media", zap.Strings("urls", res.Fetched))
	}
	return res.Outlinks, nil
}

func (w *Worker) proxyFor(site crawler.Site) string {
	if site.Proxy != "" {
		return site.Proxy
	}
	return w.cfg.DefaultProxy
}

func pageOutcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	if _, ok := crawler.IsReachedLimit(err); ok {
		return outcomeReachedLimit
	}
	switch {
	case errors.Is(err, crawler.ErrBrowsingTimeout):
		return outcomeTimeout
	case errors.Is(err, crawler.ErrProxy):
		return outcomeProxy
	default:
		return outcomeError
	}
}
