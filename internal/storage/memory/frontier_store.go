// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// FrontierStore keeps jobs, sites and pages in maps guarded by one mutex, which
// serialises the conditional claim updates.
type FrontierStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	sites map[string]crawler.Site
	pages map[string]storedPage
	seq   int64
}

type storedPage struct {
	page crawler.Page
	seq  int64
}

var _ crawler.FrontierStore = (*FrontierStore)(nil)

// NewFrontierStore constructs an empty FrontierStore.
func NewFrontierStore() *FrontierStore {
	return &FrontierStore{
		jobs:  make(map[string]crawler.Job),
		sites: make(map[string]crawler.Site),
		pages: make(map[string]storedPage),
	}
}

// CreateJob stores a new job.
func (s *FrontierStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *FrontierStore) GetJob(_ context.Context, id string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return job, nil
}

// UpdateJob replaces a stored job.
func (s *FrontierStore) UpdateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrNotFound)
	}
	s.jobs[job.ID] = job
	return nil
}

// CreateSite stores a new site.
func (s *FrontierStore) CreateSite(_ context.Context, site crawler.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sites[site.ID]; exists {
		return fmt.Errorf("site %s already exists", site.ID)
	}
	s.sites[site.ID] = site
	return nil
}

// GetSite fetches a site by ID.
func (s *FrontierStore) GetSite(_ context.Context, id string) (crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return crawler.Site{}, fmt.Errorf("site %s: %w", id, crawler.ErrNotFound)
	}
	return site, nil
}

// UpdateSite replaces a stored site if it is still at site.Revision.
func (s *FrontierStore) UpdateSite(_ context.Context, site crawler.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sites[site.ID]
	if !ok {
		return fmt.Errorf("site %s: %w", site.ID, crawler.ErrNotFound)
	}
	if stored.Revision != site.Revision {
		return fmt.Errorf("site %s at revision %d, stored %d: %w", site.ID, site.Revision, stored.Revision, crawler.ErrStaleWrite)
	}
	site.Revision++
	s.sites[site.ID] = site
	return nil
}

// ListJobSites returns the sites of a job ordered by ID.
func (s *FrontierStore) ListJobSites(_ context.Context, jobID string) ([]crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Site
	for _, site := range s.sites {
		if site.JobID == jobID {
			out = append(out, site)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimableSites lists ACTIVE sites that are unclaimed or stale, never-disclaimed
// sites first, then oldest last_disclaimed.
func (s *FrontierStore) ClaimableSites(_ context.Context, staleBefore time.Time, limit int) ([]crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Site
	for _, site := range s.sites {
		if claimable(site, staleBefore) {
			out = append(out, site)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastDisclaimed, out[j].LastDisclaimed
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimSite re-checks the claim predicate under the write lock and claims the site.
func (s *FrontierStore) ClaimSite(
	_ context.Context,
	siteID, claimant string,
	now, staleBefore time.Time,
) (crawler.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return crawler.Site{}, fmt.Errorf("site %s: %w", siteID, crawler.ErrNotFound)
	}
	if !claimable(site, staleBefore) {
		return crawler.Site{}, crawler.ErrClaimConflict
	}
	site.Claimed = true
	site.Claimant = claimant
	site.LastClaimed = pointerTime(now)
	site.Revision++
	s.sites[siteID] = site
	return site, nil
}

func claimable(site crawler.Site, staleBefore time.Time) bool {
	if site.Status != crawler.SiteStatusActive {
		return false
	}
	if !site.Claimed {
		return true
	}
	return site.LastClaimed == nil || site.LastClaimed.Before(staleBefore)
}

// GetPage fetches a page by ID.
func (s *FrontierStore) GetPage(_ context.Context, id string) (crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.pages[id]
	if !ok {
		return crawler.Page{}, fmt.Errorf("page %s: %w", id, crawler.ErrNotFound)
	}
	return sp.page, nil
}

// NextPage returns the highest priority unbrozzled page of a site, oldest first on ties.
func (s *FrontierStore) NextPage(_ context.Context, siteID string) (crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  storedPage
		found bool
	)
	for _, sp := range s.pages {
		if sp.page.SiteID != siteID || sp.page.BrozzleCount != 0 {
			continue
		}
		if !found || sp.page.Priority > best.page.Priority ||
			(sp.page.Priority == best.page.Priority && sp.seq < best.seq) {
			best = sp
			found = true
		}
	}
	if !found {
		return crawler.Page{}, crawler.ErrNothingToClaim
	}
	return best.page, nil
}

// ClaimPage claims the page when it has not been brozzled yet.
func (s *FrontierStore) ClaimPage(_ context.Context, pageID, claimant string, now time.Time) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.pages[pageID]
	if !ok {
		return crawler.Page{}, fmt.Errorf("page %s: %w", pageID, crawler.ErrNotFound)
	}
	if sp.page.BrozzleCount != 0 {
		return crawler.Page{}, crawler.ErrClaimConflict
	}
	sp.page.Claimed = true
	sp.page.Claimant = claimant
	sp.page.LastClaimed = pointerTime(now)
	s.pages[pageID] = sp
	return sp.page, nil
}

// InsertPage stores page unless its ID is already present.
func (s *FrontierStore) InsertPage(_ context.Context, page crawler.Page) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.ID]; exists {
		return false, nil
	}
	s.seq++
	s.pages[page.ID] = storedPage{page: page, seq: s.seq}
	return true, nil
}

// AddPagePriority adds delta to a page's priority.
func (s *FrontierStore) AddPagePriority(_ context.Context, pageID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.pages[pageID]
	if !ok {
		return fmt.Errorf("page %s: %w", pageID, crawler.ErrNotFound)
	}
	sp.page.Priority += delta
	s.pages[pageID] = sp
	return nil
}

// UpdatePage replaces a stored page.
func (s *FrontierStore) UpdatePage(_ context.Context, page crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.pages[page.ID]
	if !ok {
		return fmt.Errorf("page %s: %w", page.ID, crawler.ErrNotFound)
	}
	sp.page = page
	s.pages[page.ID] = sp
	return nil
}

// CountUnbrozzledPages counts pages of the site with brozzle_count 0.
func (s *FrontierStore) CountUnbrozzledPages(_ context.Context, siteID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sp := range s.pages {
		if sp.page.SiteID == siteID && sp.page.BrozzleCount == 0 {
			count++
		}
	}
	return count, nil
}

// SitePages returns every page of a site in insertion order.
func (s *FrontierStore) SitePages(siteID string) []crawler.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stored []storedPage
	for _, sp := range s.pages {
		if sp.page.SiteID == siteID {
			stored = append(stored, sp)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })
	out := make([]crawler.Page, len(stored))
	for i, sp := range stored {
		out[i] = sp.page
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
