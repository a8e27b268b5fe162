// Package frontier implements the distributed claim protocol over sites and
// pages. Workers coordinate only through the store's conditional updates: a
// claim succeeds when the claim predicate still holds at write time, and a
// claim older than the stale threshold may be taken over by another worker.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

const (
	// DefaultStaleAfter is how long a claim is honoured before another worker may take it over.
	DefaultStaleAfter = 2 * time.Hour
	// DefaultClaimBatch is how many candidate sites are fetched per claim round.
	DefaultClaimBatch = 20
	// DefaultMaxPageFailures is how many browsing timeouts a page gets before it is given up on.
	DefaultMaxPageFailures = 3

	maxSiteWriteAttempts = 5
)

// Config tunes the claim protocol.
type Config struct {
	StaleAfter      time.Duration
	ClaimBatch      int
	MaxPageFailures int
}

// OutlinkTally counts what ScopeAndScheduleOutlinks did with a page's outlinks.
type OutlinkTally struct {
	Added    int
	Updated  int
	Rejected int
	Blocked  int
}

// Frontier coordinates site and page claims for one worker process.
type Frontier struct {
	store  crawler.FrontierStore
	robots crawler.RobotsPolicy
	clock  crawler.Clock
	ids    crawler.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Frontier. robots may be nil, in which case every in-scope
// outlink is permitted.
func New(
	store crawler.FrontierStore,
	robots crawler.RobotsPolicy,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = DefaultClaimBatch
	}
	if cfg.MaxPageFailures <= 0 {
		cfg.MaxPageFailures = DefaultMaxPageFailures
	}
	return &Frontier{
		store:  store,
		robots: robots,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logger,
	}
}

// ClaimSite claims the ACTIVE site that has waited longest since its last
// disclaim. Sites whose time limit has run out are finished instead of being
// returned, and the search continues.
func (f *Frontier) ClaimSite(ctx context.Context, workerID string) (crawler.Site, error) {
	for {
		now := f.clock.Now()
		staleBefore := now.Add(-f.cfg.StaleAfter)
		candidates, err := f.store.ClaimableSites(ctx, staleBefore, f.cfg.ClaimBatch)
		if err != nil {
			return crawler.Site{}, fmt.Errorf("list claimable sites: %w", err)
		}
		if len(candidates) == 0 {
			return crawler.Site{}, crawler.ErrNothingToClaim
		}

		finishedAny := false
		for _, candidate := range candidates {
			site, err := f.store.ClaimSite(ctx, candidate.ID, workerID, now, staleBefore)
			if errors.Is(err, crawler.ErrClaimConflict) {
				continue
			}
			if err != nil {
				return crawler.Site{}, fmt.Errorf("claim site %s: %w", candidate.ID, err)
			}
			if candidate.Claimed {
				f.logger.Warn("reclaiming site with stale claim",
					zap.String("site_id", site.ID),
					zap.String("previous_claimant", candidate.Claimant),
					zap.Timep("last_claimed", candidate.LastClaimed),
					zap.String("worker_id", workerID),
				)
			}
			if exceededTimeLimit(site, now) {
				f.logger.Info("site reached its time limit",
					zap.String("site_id", site.ID),
					zap.Duration("time_limit", site.TimeLimit),
					zap.Duration("elapsed", site.Elapsed(now)),
				)
				if err := f.Finished(ctx, site, crawler.SiteStatusFinishedTimeLimit); err != nil {
					return crawler.Site{}, err
				}
				finishedAny = true
				continue
			}
			return site, nil
		}
		// Every candidate was lost to another worker; let the caller back off.
		if !finishedAny {
			return crawler.Site{}, crawler.ErrNothingToClaim
		}
	}
}

func exceededTimeLimit(site crawler.Site, now time.Time) bool {
	return site.TimeLimit > 0 && site.Elapsed(now) > site.TimeLimit
}

// EnforceTimeLimit finishes the site with FINISHED_TIME_LIMIT when its time
// limit has been exceeded and reports whether it did.
func (f *Frontier) EnforceTimeLimit(ctx context.Context, site crawler.Site) (bool, error) {
	if !exceededTimeLimit(site, f.clock.Now()) {
		return false, nil
	}
	if err := f.Finished(ctx, site, crawler.SiteStatusFinishedTimeLimit); err != nil {
		return false, err
	}
	return true, nil
}

// ClaimPage claims the highest priority unbrozzled page of the site. Only the
// site's claimant calls this, so a page that is already claimed is a leftover
// from a crashed session and is taken over.
func (f *Frontier) ClaimPage(ctx context.Context, site crawler.Site, workerID string) (crawler.Page, error) {
	next, err := f.store.NextPage(ctx, site.ID)
	if err != nil {
		if errors.Is(err, crawler.ErrNothingToClaim) {
			return crawler.Page{}, err
		}
		return crawler.Page{}, fmt.Errorf("next page for site %s: %w", site.ID, err)
	}
	if next.Claimed {
		f.logger.Warn("reclaiming leftover claimed page",
			zap.String("site_id", site.ID),
			zap.String("page_url", next.URL),
			zap.String("previous_claimant", next.Claimant),
		)
	}
	page, err := f.store.ClaimPage(ctx, next.ID, workerID, f.clock.Now())
	if err != nil {
		if errors.Is(err, crawler.ErrClaimConflict) {
			return crawler.Page{}, crawler.ErrNothingToClaim
		}
		return crawler.Page{}, fmt.Errorf("claim page %s: %w", next.ID, err)
	}
	return page, nil
}

// CompletedPage records a successful brozzle. When the seed page redirected,
// the site's scope anchor moves to the redirect target for the rest of the
// crawl. It returns the site as stored afterwards.
func (f *Frontier) CompletedPage(ctx context.Context, site crawler.Site, page crawler.Page) (crawler.Site, error) {
	if page.HopsFromSeed == 0 && page.RedirectURL != "" {
		anchor, err := crawler.SiteSURT(page.RedirectURL)
		if err != nil {
			f.logger.Warn("ignoring unparseable seed redirect",
				zap.String("site_id", site.ID),
				zap.String("redirect_url", page.RedirectURL),
				zap.Error(err),
			)
		} else {
			updated, err := f.mutateSite(ctx, site.ID, func(s *crawler.Site) {
				s.Scope.Surt = anchor
			})
			if err != nil {
				return site, err
			}
			f.logger.Info("seed redirected; scope anchor moved",
				zap.String("site_id", site.ID),
				zap.String("redirect_url", page.RedirectURL),
				zap.String("surt", anchor),
			)
			site = updated
		}
	}

	now := f.clock.Now()
	_, err := f.mutatePage(ctx, page.ID, func(p *crawler.Page) {
		p.BrozzleCount++
		p.Claimed = false
		p.Claimant = ""
		p.RedirectURL = page.RedirectURL
		p.LastBrozzled = &now
	})
	if err != nil {
		return site, err
	}
	return site, nil
}

// FailedPage records a browsing failure for a page and releases its claim.
// Once the page has failed MaxPageFailures times it is completed so the site
// can move on. It reports whether the page was given up on.
func (f *Frontier) FailedPage(ctx context.Context, site crawler.Site, page crawler.Page) (bool, error) {
	updated, err := f.mutatePage(ctx, page.ID, func(p *crawler.Page) {
		p.FailedAttempts++
		p.Claimed = false
		p.Claimant = ""
	})
	if err != nil {
		return false, err
	}
	if updated.FailedAttempts < f.cfg.MaxPageFailures {
		return false, nil
	}
	f.logger.Warn("giving up on page after repeated failures",
		zap.String("site_id", site.ID),
		zap.String("page_url", page.URL),
		zap.Int("failed_attempts", updated.FailedAttempts),
	)
	if _, err := f.CompletedPage(ctx, site, updated); err != nil {
		return false, err
	}
	return true, nil
}

// ScopeAndScheduleOutlinks admits the in-scope, robots-permitted outlinks of
// parent into the frontier. Rediscovering a known page adds the new link's
// priority to it instead of creating a duplicate.
func (f *Frontier) ScopeAndScheduleOutlinks(
	ctx context.Context,
	site crawler.Site,
	parent crawler.Page,
	outlinks []string,
) (OutlinkTally, error) {
	var (
		tally   OutlinkTally
		summary crawler.OutlinkSummary
	)
	for _, raw := range outlinks {
		canon, err := crawler.Canonicalize(raw)
		if err != nil || !crawler.IsInScope(site, canon, parent) {
			tally.Rejected++
			summary.Rejected = append(summary.Rejected, raw)
			continue
		}
		allowed, err := f.permitted(ctx, site, canon)
		if err != nil {
			return tally, err
		}
		if !allowed {
			tally.Blocked++
			summary.Blocked = append(summary.Blocked, canon)
			continue
		}

		hopsOff := 0
		if !crawler.Accepted(site, canon, parent) {
			hopsOff = parent.HopsOff + 1
		}
		page := crawler.NewPage(site, canon, parent.HopsFromSeed+1, hopsOff, parent.ID)
		created, err := f.store.InsertPage(ctx, page)
		if err != nil {
			return tally, fmt.Errorf("insert page %s: %w", canon, err)
		}
		if created {
			tally.Added++
		} else {
			if err := f.store.AddPagePriority(ctx, page.ID, page.Priority); err != nil {
				return tally, fmt.Errorf("bump priority of %s: %w", canon, err)
			}
			tally.Updated++
		}
		summary.Accepted = append(summary.Accepted, canon)
	}

	if _, err := f.mutatePage(ctx, parent.ID, func(p *crawler.Page) {
		p.Outlinks = &summary
	}); err != nil {
		return tally, err
	}
	f.logger.Debug("scheduled outlinks",
		zap.String("site_id", site.ID),
		zap.String("page_url", parent.URL),
		zap.Int("added", tally.Added),
		zap.Int("updated", tally.Updated),
		zap.Int("rejected", tally.Rejected),
		zap.Int("blocked", tally.Blocked),
	)
	return tally, nil
}

// permitted consults robots.txt unless the site ignores it. Robots failures
// other than a reached limit are treated as permission.
func (f *Frontier) permitted(ctx context.Context, site crawler.Site, rawURL string) (bool, error) {
	if f.robots == nil || site.Options.IgnoreRobots {
		return true, nil
	}
	allowed, err := f.robots.Allowed(ctx, site, rawURL)
	if err != nil {
		if _, ok := crawler.IsReachedLimit(err); ok {
			return false, err
		}
		f.logger.Warn("robots check failed; allowing",
			zap.String("site_id", site.ID),
			zap.String("page_url", rawURL),
			zap.Error(err),
		)
		return true, nil
	}
	return allowed, nil
}

// DisclaimSite releases the worker's claim on the site and on page, if one is
// still in flight. A site with nothing left to crawl and nothing in flight is
// marked FINISHED.
func (f *Frontier) DisclaimSite(ctx context.Context, site crawler.Site, page *crawler.Page) error {
	if page != nil {
		if _, err := f.mutatePage(ctx, page.ID, func(p *crawler.Page) {
			p.Claimed = false
			p.Claimant = ""
		}); err != nil {
			return err
		}
	}

	now := f.clock.Now()
	updated, err := f.mutateSite(ctx, site.ID, func(s *crawler.Site) {
		s.Claimed = false
		s.Claimant = ""
		s.LastDisclaimed = &now
	})
	if err != nil {
		return err
	}
	if page != nil || updated.Status != crawler.SiteStatusActive {
		return nil
	}
	outstanding, err := f.store.CountUnbrozzledPages(ctx, site.ID)
	if err != nil {
		return fmt.Errorf("count outstanding pages of site %s: %w", site.ID, err)
	}
	if outstanding > 0 {
		return nil
	}
	return f.Finished(ctx, updated, crawler.SiteStatusFinished)
}

// Finished moves the site to a terminal status and, when every site of its job
// is terminal, finishes the job.
func (f *Frontier) Finished(ctx context.Context, site crawler.Site, status crawler.SiteStatus) error {
	return f.finish(ctx, site, status, nil)
}

// ReachedLimit stores the archiving proxy's payload on the site and finishes
// it with FINISHED_REACHED_LIMIT.
func (f *Frontier) ReachedLimit(ctx context.Context, site crawler.Site, rl *crawler.ReachedLimitError) error {
	f.logger.Info("site reached archiving limit",
		zap.String("site_id", site.ID),
		zap.ByteString("payload", rl.Payload),
	)
	return f.finish(ctx, site, crawler.SiteStatusFinishedReachedLimit, func(s *crawler.Site) {
		s.ReachedLimit = rl.Payload
	})
}

func (f *Frontier) finish(
	ctx context.Context,
	site crawler.Site,
	status crawler.SiteStatus,
	extra func(*crawler.Site),
) error {
	now := f.clock.Now()
	if _, err := f.mutateSite(ctx, site.ID, func(s *crawler.Site) {
		s.Status = status
		s.Claimed = false
		s.Claimant = ""
		closeInterval(s.StartsAndStops, now)
		if extra != nil {
			extra(s)
		}
	}); err != nil {
		return err
	}
	f.logger.Info("site finished", zap.String("site_id", site.ID), zap.String("status", string(status)))

	if site.JobID == "" {
		return nil
	}
	return f.maybeFinishJob(ctx, site.JobID, now)
}

func (f *Frontier) maybeFinishJob(ctx context.Context, jobID string, now time.Time) error {
	sites, err := f.store.ListJobSites(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list sites of job %s: %w", jobID, err)
	}
	for _, s := range sites {
		if !s.Status.Terminal() {
			return nil
		}
	}
	job, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status == crawler.JobStatusFinished {
		return nil
	}
	job.Status = crawler.JobStatusFinished
	job.StartsAndStops = append([]crawler.StartStop(nil), job.StartsAndStops...)
	closeInterval(job.StartsAndStops, now)
	if err := f.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	f.logger.Info("job finished", zap.String("job_id", jobID))
	return nil
}

func closeInterval(intervals []crawler.StartStop, now time.Time) {
	if n := len(intervals); n > 0 && intervals[n-1].Stop == nil {
		stop := now
		intervals[n-1].Stop = &stop
	}
}

// HonorStopRequest returns crawler.ErrCrawlJobStopped when an operator asked
// the site or its job to stop.
func (f *Frontier) HonorStopRequest(ctx context.Context, site crawler.Site) error {
	now := f.clock.Now()
	if site.JobID != "" {
		job, err := f.store.GetJob(ctx, site.JobID)
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return fmt.Errorf("load job %s: %w", site.JobID, err)
		}
		if err == nil && job.StopRequested != nil && !job.StopRequested.After(now) {
			return fmt.Errorf("job %s: %w", job.ID, crawler.ErrCrawlJobStopped)
		}
	}
	current, err := f.store.GetSite(ctx, site.ID)
	if err != nil {
		return fmt.Errorf("load site %s: %w", site.ID, err)
	}
	if current.StopRequested != nil && !current.StopRequested.After(now) {
		return fmt.Errorf("site %s: %w", site.ID, crawler.ErrCrawlJobStopped)
	}
	return nil
}

// RequestStop stamps a stop request on a job. Sessions crawling its sites
// notice it at their next HonorStopRequest.
func (f *Frontier) RequestStop(ctx context.Context, jobID string) error {
	now := f.clock.Now()
	job, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	job.StopRequested = &now
	if err := f.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

// NewJob creates a job from its configuration along with one site per seed,
// each seeded with its first page.
func (f *Frontier) NewJob(ctx context.Context, conf crawler.JobConf) (crawler.Job, []crawler.Site, error) {
	if len(conf.Seeds) == 0 {
		return crawler.Job{}, nil, errors.New("job has no seeds")
	}
	jobID := conf.ID
	if jobID == "" {
		id, err := f.ids.NewID()
		if err != nil {
			return crawler.Job{}, nil, fmt.Errorf("generate job id: %w", err)
		}
		jobID = id
	}
	now := f.clock.Now()
	job := crawler.NewJob(jobID, conf, now)
	if err := f.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, nil, fmt.Errorf("create job %s: %w", jobID, err)
	}

	sites := make([]crawler.Site, 0, len(conf.Seeds))
	for _, seed := range conf.Seeds {
		siteID, err := f.ids.NewID()
		if err != nil {
			return job, sites, fmt.Errorf("generate site id: %w", err)
		}
		site, err := siteFromSeed(siteID, jobID, conf, seed, now)
		if err != nil {
			return job, sites, fmt.Errorf("seed %s: %w", seed.URL, err)
		}
		if err := f.NewSite(ctx, site); err != nil {
			return job, sites, err
		}
		sites = append(sites, site)
	}
	return job, sites, nil
}

func siteFromSeed(siteID, jobID string, conf crawler.JobConf, seed crawler.SeedConf, now time.Time) (crawler.Site, error) {
	site, err := crawler.NewSite(siteID, jobID, seed.URL, now)
	if err != nil {
		return crawler.Site{}, err
	}
	site.Proxy = conf.Proxy
	if seed.Proxy != "" {
		site.Proxy = seed.Proxy
	}
	timeLimit := conf.TimeLimit
	if seed.TimeLimit > 0 {
		timeLimit = seed.TimeLimit
	}
	site.TimeLimit = time.Duration(timeLimit) * time.Second
	site.Options = conf.Options
	if seed.Options != nil {
		site.Options = *seed.Options
	}
	scope := conf.Scope
	if seed.Scope != nil {
		scope = seed.Scope
	}
	if scope != nil {
		anchor := site.Scope.Surt
		site.Scope = *scope
		if site.Scope.Surt == "" {
			site.Scope.Surt = anchor
		}
	}
	return site, nil
}

// NewSite stores a site and its seed page. A seed disallowed by robots.txt is
// not scheduled, which leaves the site to finish on its first disclaim.
func (f *Frontier) NewSite(ctx context.Context, site crawler.Site) error {
	if err := f.store.CreateSite(ctx, site); err != nil {
		return fmt.Errorf("create site %s: %w", site.ID, err)
	}
	allowed, err := f.permitted(ctx, site, site.Seed)
	if err != nil {
		return err
	}
	if !allowed {
		f.logger.Warn("seed disallowed by robots.txt", zap.String("site_id", site.ID), zap.String("seed", site.Seed))
		return nil
	}
	seed := crawler.NewPage(site, site.Seed, 0, 0, "")
	if _, err := f.store.InsertPage(ctx, seed); err != nil {
		return fmt.Errorf("insert seed page for site %s: %w", site.ID, err)
	}
	return nil
}

// Site loads the stored record of a site.
func (f *Frontier) Site(ctx context.Context, id string) (crawler.Site, error) {
	site, err := f.store.GetSite(ctx, id)
	if err != nil {
		return crawler.Site{}, fmt.Errorf("load site %s: %w", id, err)
	}
	return site, nil
}

// ForgetSite drops robots.txt rules cached for siteID, when the robots policy
// keeps any.
func (f *Frontier) ForgetSite(siteID string) {
	if r, ok := f.robots.(interface{ Forget(siteID string) }); ok {
		r.Forget(siteID)
	}
}

// Job loads the stored record of a job.
func (f *Frontier) Job(ctx context.Context, id string) (crawler.Job, error) {
	job, err := f.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// mutateSite applies apply to the stored site and writes it back, reloading
// and reapplying when another writer got there first.
func (f *Frontier) mutateSite(ctx context.Context, id string, apply func(*crawler.Site)) (crawler.Site, error) {
	var err error
	for attempt := 0; attempt < maxSiteWriteAttempts; attempt++ {
		var site crawler.Site
		site, err = f.store.GetSite(ctx, id)
		if err != nil {
			return crawler.Site{}, fmt.Errorf("load site %s: %w", id, err)
		}
		site.StartsAndStops = append([]crawler.StartStop(nil), site.StartsAndStops...)
		apply(&site)
		err = f.store.UpdateSite(ctx, site)
		if err == nil {
			site.Revision++
			return site, nil
		}
		if !errors.Is(err, crawler.ErrStaleWrite) {
			break
		}
		f.logger.Debug("site changed concurrently; retrying", zap.String("site_id", id), zap.Int("attempt", attempt+1))
	}
	return crawler.Site{}, fmt.Errorf("update site %s: %w", id, err)
}

func (f *Frontier) mutatePage(ctx context.Context, id string, apply func(*crawler.Page)) (crawler.Page, error) {
	page, err := f.store.GetPage(ctx, id)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("load page %s: %w", id, err)
	}
	apply(&page)
	if err := f.store.UpdatePage(ctx, page); err != nil {
		return crawler.Page{}, fmt.Errorf("update page %s: %w", id, err)
	}
	return page, nil
}
