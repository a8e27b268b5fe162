package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
	"github.com/JakeFAU/browsercrawler/internal/metrics"
	"github.com/JakeFAU/browsercrawler/internal/progress"
)

// errSiteFinished ends a session whose site was finished along the way.
var errSiteFinished = errors.New("site finished during session")

// session is one worker's hold on one site.
type session struct {
	site    crawler.Site
	browser Browser
	// inFlight is the claimed page not yet completed or failed.
	inFlight *crawler.Page
	start    time.Time
	logger   *zap.Logger
}

func (w *Worker) runSession(ctx context.Context, b Browser, site crawler.Site) {
	s := &session{
		site:    site,
		browser: b,
		start:   w.clock.Now(),
		logger:  w.logger.With(zap.String("site_id", site.ID), zap.String("seed", site.Seed)),
	}
	metrics.IncActiveSessions()
	defer metrics.DecActiveSessions()
	s.logger.Info("site session starting")
	w.emit(progress.Event{Stage: progress.StageSiteClaimed, JobID: site.JobID, SiteID: site.ID})

	defer w.cleanup(ctx, s)
	err := w.crawlSite(ctx, s)
	w.settle(ctx, s, err)
}

// crawlSite brozzles pages until the site has none left, the session budget
// runs out, the worker shuts down or a session-ending error occurs.
func (w *Worker) crawlSite(ctx context.Context, s *session) error {
	deadline := s.start.Add(w.cfg.SessionBudget)
	for !w.shuttingDown() && w.clock.Now().Before(deadline) {
		if err := w.frontier.HonorStopRequest(ctx, s.site); err != nil {
			return err
		}
		limited, err := w.frontier.EnforceTimeLimit(ctx, s.site)
		if err != nil {
			return err
		}
		if limited {
			w.siteFinished(s, crawler.SiteStatusFinishedTimeLimit)
			return errSiteFinished
		}

		page, err := w.frontier.ClaimPage(ctx, s.site, w.cfg.ID)
		if errors.Is(err, crawler.ErrNothingToClaim) {
			s.logger.Info("no more pages to claim")
			return nil
		}
		if err != nil {
			return err
		}
		s.inFlight = &page

		outlinks, err := w.BrozzlePage(ctx, s.browser, s.site, &page)
		if errors.Is(err, crawler.ErrBrowsingTimeout) {
			if err := w.pageTimedOut(ctx, s, page); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		site, err := w.frontier.CompletedPage(ctx, s.site, page)
		if err != nil {
			return err
		}
		s.site = site
		s.inFlight = nil

		tally, err := w.frontier.ScopeAndScheduleOutlinks(ctx, s.site, page, outlinks)
		metrics.ObserveOutlinks(tally.Added, tally.Updated, tally.Rejected, tally.Blocked)
		if err != nil {
			return err
		}
	}
	if !w.shuttingDown() {
		s.logger.Info("session budget spent; disclaiming site", zap.Duration("budget", w.cfg.SessionBudget))
	}
	return nil
}

// pageTimedOut records the failure and restarts the browser for the next page.
func (w *Worker) pageTimedOut(ctx context.Context, s *session, page crawler.Page) error {
	s.logger.Warn("page timed out; moving on", zap.String("page_url", page.URL))
	gaveUp, err := w.frontier.FailedPage(ctx, s.site, page)
	if err != nil {
		return err
	}
	s.inFlight = nil
	if gaveUp {
		s.logger.Info("page abandoned", zap.String("page_url", page.URL))
	}
	s.browser.Stop()
	return nil
}

// settle turns the session's outcome into a site transition. Only reached
// limits and stop requests are terminal; everything else leaves the site
// ACTIVE for a later session.
func (w *Worker) settle(ctx context.Context, s *session, err error) {
	if err == nil || errors.Is(err, errSiteFinished) {
		return
	}
	cleanupCtx, cancel := w.cleanupContext(ctx)
	defer cancel()

	var dbErr *crawler.UnexpectedDBResultError
	if rl, ok := crawler.IsReachedLimit(err); ok {
		if ferr := w.frontier.ReachedLimit(cleanupCtx, s.site, rl); ferr != nil {
			s.logger.Error("recording reached limit failed", zap.Error(ferr))
			return
		}
		w.siteFinished(s, crawler.SiteStatusFinishedReachedLimit)
		return
	}
	switch {
	case errors.Is(err, crawler.ErrCrawlJobStopped):
		s.logger.Info("stop requested", zap.Error(err))
		if ferr := w.frontier.Finished(cleanupCtx, s.site, crawler.SiteStatusFinishedStopRequested); ferr != nil {
			s.logger.Error("finishing stopped site failed", zap.Error(ferr))
			return
		}
		w.siteFinished(s, crawler.SiteStatusFinishedStopRequested)
	case errors.Is(err, crawler.ErrProxy):
		s.logger.Error("proxy unreachable; ending session", zap.String("proxy", w.proxyFor(s.site)), zap.Error(err))
	case errors.As(err, &dbErr):
		s.logger.Error("unexpected database result", zap.Error(err), zap.Stack("stack"))
	case w.shuttingDown():
		s.logger.Info("session interrupted by shutdown", zap.Error(err))
	default:
		s.logger.Error("site session failed", zap.Error(err))
	}
}

// cleanup always runs: stop the browser, disclaim the site along with any
// page still in flight, drop its robots rules, release the browser.
func (w *Worker) cleanup(ctx context.Context, s *session) {
	cleanupCtx, cancel := w.cleanupContext(ctx)
	defer cancel()

	s.browser.Stop()
	if err := w.frontier.DisclaimSite(cleanupCtx, s.site, s.inFlight); err != nil {
		s.logger.Error("disclaim site failed", zap.Error(err))
	} else if site, err := w.frontier.Site(cleanupCtx, s.site.ID); err == nil &&
		site.Status == crawler.SiteStatusFinished && s.site.Status == crawler.SiteStatusActive {
		w.siteFinished(s, site.Status)
	}
	w.frontier.ForgetSite(s.site.ID)
	w.pool.Release(s.browser)
	metrics.SetBrowsersInUse(w.pool.InUse())

	dur := w.clock.Now().Sub(s.start)
	w.emit(progress.Event{Stage: progress.StageSiteDisclaimed, JobID: s.site.JobID, SiteID: s.site.ID, Dur: dur})
	s.logger.Info("site session ended", zap.Duration("elapsed", dur))
}

// cleanupContext outlives a cancelled session so cleanup writes still land.
func (w *Worker) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CleanupTimeout)
}

func (w *Worker) siteFinished(s *session, status crawler.SiteStatus) {
	s.site.Status = status
	metrics.ObserveSite(string(status))
	w.emit(progress.Event{
		Stage:      progress.StageSiteFinished,
		JobID:      s.site.JobID,
		SiteID:     s.site.ID,
		SiteStatus: string(status),
	})
}
