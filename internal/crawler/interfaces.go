package crawler

import (
	"context"
	"time"
)

// FrontierStore persists jobs, sites and pages. Implementations must make
// ClaimSite and ClaimPage atomic conditional updates.
type FrontierStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	UpdateJob(ctx context.Context, job Job) error

	CreateSite(ctx context.Context, site Site) error
	GetSite(ctx context.Context, id string) (Site, error)
	// UpdateSite writes site only while the stored revision still equals
	// site.Revision, then bumps the stored revision. It returns ErrStaleWrite
	// when the site changed since it was read.
	UpdateSite(ctx context.Context, site Site) error
	ListJobSites(ctx context.Context, jobID string) ([]Site, error)
	// ClaimableSites lists ACTIVE sites that are unclaimed or were claimed
	// before staleBefore, oldest last_disclaimed first.
	ClaimableSites(ctx context.Context, staleBefore time.Time, limit int) ([]Site, error)
	// ClaimSite claims the site only if it is still ACTIVE and either unclaimed
	// or claimed before staleBefore. It returns ErrClaimConflict otherwise.
	ClaimSite(ctx context.Context, siteID, claimant string, now, staleBefore time.Time) (Site, error)

	GetPage(ctx context.Context, id string) (Page, error)
	// NextPage returns the highest priority page of the site with brozzle_count 0.
	NextPage(ctx context.Context, siteID string) (Page, error)
	// ClaimPage claims the page if it has not been brozzled yet.
	ClaimPage(ctx context.Context, pageID, claimant string, now time.Time) (Page, error)
	// InsertPage stores page unless a page with the same ID exists; it
	// reports whether a new record was written.
	InsertPage(ctx context.Context, page Page) (bool, error)
	AddPagePriority(ctx context.Context, pageID string, delta int) error
	UpdatePage(ctx context.Context, page Page) error
	CountUnbrozzledPages(ctx context.Context, siteID string) (int, error)
}

// RobotsPolicy decides whether a site may fetch a URL. It may return a
// *ReachedLimitError when the proxy refuses the robots.txt fetch.
type RobotsPolicy interface {
	Allowed(ctx context.Context, site Site, rawURL string) (bool, error)
}

// Behavior is the page-interaction script chosen for a URL.
type Behavior struct {
	Name   string
	Script string
	// Finished is a JavaScript expression evaluating to true when the behavior is done.
	Finished    string
	IdleTimeout time.Duration
}

// BehaviorProvider resolves the behavior to run on a page.
type BehaviorProvider interface {
	Resolve(pageURL string, params map[string]any) (Behavior, error)
}

// RecordWriter persists an out-of-band payload such as a screenshot.
type RecordWriter interface {
	WriteRecord(ctx context.Context, site Site, rawURL, contentType string, payload []byte) (string, error)
}

// MediaResult is what a media extractor fetched for a page.
type MediaResult struct {
	Fetched  []string
	Outlinks []string
}

// MediaExtractor downloads embedded media for a page.
type MediaExtractor interface {
	Extract(ctx context.Context, workerID string, site Site, page Page) (MediaResult, error)
}

// ServiceRegistry records worker liveness.
type ServiceRegistry interface {
	Heartbeat(ctx context.Context, status ServiceStatus) error
	Unregister(ctx context.Context, id string) error
	Available(ctx context.Context, role string) ([]ServiceStatus, error)
}

// Publisher pushes lifecycle notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for record naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and site IDs.
type IDGenerator interface {
	NewID() (string, error)
}
