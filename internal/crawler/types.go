package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the frontier store.
const (
	JobStatusActive   JobStatus = "ACTIVE"
	JobStatusFinished JobStatus = "FINISHED"
)

// SiteStatus represents the lifecycle state of a site crawl.
type SiteStatus string

// Site status values. Every status other than SiteStatusActive is terminal.
const (
	SiteStatusActive                SiteStatus = "ACTIVE"
	SiteStatusFinished              SiteStatus = "FINISHED"
	SiteStatusFinishedTimeLimit     SiteStatus = "FINISHED_TIME_LIMIT"
	SiteStatusFinishedReachedLimit  SiteStatus = "FINISHED_REACHED_LIMIT"
	SiteStatusFinishedStopRequested SiteStatus = "FINISHED_STOP_REQUESTED"
)

// Terminal reports whether the status ends the site's crawl.
func (s SiteStatus) Terminal() bool {
	return s != SiteStatusActive && s != ""
}

// SeedPriority is assigned to every seed page so a fresh site starts at its seed.
const SeedPriority = 1000

// StartStop is one interval during which a job or site was being crawled.
type StartStop struct {
	Start time.Time  `json:"start"`
	Stop  *time.Time `json:"stop,omitempty"`
}

// Job groups the sites crawled together.
type Job struct {
	ID             string      `json:"id"`
	Status         JobStatus   `json:"status"`
	StartsAndStops []StartStop `json:"starts_and_stops"`
	StopRequested  *time.Time  `json:"stop_requested,omitempty"`
	Conf           JobConf     `json:"conf"`
}

// JobConf is the submitted job definition.
type JobConf struct {
	ID        string      `json:"id,omitempty" yaml:"id"`
	TimeLimit int         `json:"time_limit,omitempty" yaml:"time_limit"`
	Proxy     string      `json:"proxy,omitempty" yaml:"proxy"`
	Scope     *Scope      `json:"scope,omitempty" yaml:"scope"`
	Options   SiteOptions `json:"options,omitempty" yaml:"options"`
	Seeds     []SeedConf  `json:"seeds" yaml:"seeds"`
}

// SeedConf overrides job-level settings for a single seed.
type SeedConf struct {
	URL       string       `json:"url" yaml:"url"`
	TimeLimit int          `json:"time_limit,omitempty" yaml:"time_limit"`
	Proxy     string       `json:"proxy,omitempty" yaml:"proxy"`
	Scope     *Scope       `json:"scope,omitempty" yaml:"scope"`
	Options   *SiteOptions `json:"options,omitempty" yaml:"options"`
}

// Scope bounds the pages admitted into a site's frontier.
type Scope struct {
	// Surt is the canonical SURT prefix anchoring the site.
	Surt    string `json:"surt" yaml:"surt"`
	Accepts []Rule `json:"accepts,omitempty" yaml:"accepts"`
	Blocks  []Rule `json:"blocks,omitempty" yaml:"blocks"`
	// MaxHops limits hops from the seed; nil means unlimited.
	MaxHops *int `json:"max_hops,omitempty" yaml:"max_hops"`
	// MaxHopsOff is the number of consecutive hops allowed outside the anchor.
	MaxHopsOff int `json:"max_hops_off,omitempty" yaml:"max_hops_off"`
}

// Rule is an accept or block rule. Every non-empty matcher must match.
type Rule struct {
	Domain         string `json:"domain,omitempty" yaml:"domain"`
	Substring      string `json:"substring,omitempty" yaml:"substring"`
	Regex          string `json:"regex,omitempty" yaml:"regex"`
	Surt           string `json:"surt,omitempty" yaml:"surt"`
	ParentURLRegex string `json:"parent_url_regex,omitempty" yaml:"parent_url_regex"`
}

// SiteOptions carries per-site browsing knobs.
type SiteOptions struct {
	UserAgent          string            `json:"user_agent,omitempty" yaml:"user_agent"`
	ExtraHeaders       map[string]string `json:"extra_headers,omitempty" yaml:"extra_headers"`
	Username           string            `json:"username,omitempty" yaml:"username"`
	Password           string            `json:"password,omitempty" yaml:"password"`
	IgnoreRobots       bool              `json:"ignore_robots,omitempty" yaml:"ignore_robots"`
	BehaviorParameters map[string]any    `json:"behavior_parameters,omitempty" yaml:"behavior_parameters"`
	SkipMedia          bool              `json:"skip_media,omitempty" yaml:"skip_media"`
	// WarcproxMeta is forwarded to the archiving proxy on every request.
	WarcproxMeta map[string]any `json:"warcprox_meta,omitempty" yaml:"warcprox_meta"`
}

// Site is one crawl of a seed URL.
type Site struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id,omitempty"`
	Seed           string          `json:"seed"`
	Scope          Scope           `json:"scope"`
	Proxy          string          `json:"proxy,omitempty"`
	Claimed        bool            `json:"claimed"`
	Claimant       string          `json:"claimant,omitempty"`
	LastClaimed    *time.Time      `json:"last_claimed,omitempty"`
	LastDisclaimed *time.Time      `json:"last_disclaimed,omitempty"`
	Status         SiteStatus      `json:"status"`
	TimeLimit      time.Duration   `json:"time_limit,omitempty"`
	ReachedLimit   json.RawMessage `json:"reached_limit,omitempty"`
	StartsAndStops []StartStop     `json:"starts_and_stops"`
	StopRequested  *time.Time      `json:"stop_requested,omitempty"`
	Options        SiteOptions     `json:"options"`
	// Revision counts stored writes; UpdateSite only succeeds against the
	// revision it was read at.
	Revision       int64           `json:"revision"`
}

// Elapsed sums the time the site has spent being crawled up to now.
func (s Site) Elapsed(now time.Time) time.Duration {
	var total time.Duration
	for _, ss := range s.StartsAndStops {
		end := now
		if ss.Stop != nil {
			end = *ss.Stop
		}
		if end.After(ss.Start) {
			total += end.Sub(ss.Start)
		}
	}
	return total
}

// WarcproxMetaHeader carries per-site instructions to the archiving proxy and
// its "reached limit" replies.
const WarcproxMetaHeader = "Warcprox-Meta"

// ExtraHeaders returns the headers sent with every request of the site: the
// configured extra headers plus Warcprox-Meta when the site carries one.
func (s Site) ExtraHeaders() (map[string]string, error) {
	headers := make(map[string]string, len(s.Options.ExtraHeaders)+1)
	for k, v := range s.Options.ExtraHeaders {
		headers[k] = v
	}
	if len(s.Options.WarcproxMeta) > 0 {
		meta, err := json.Marshal(s.Options.WarcproxMeta)
		if err != nil {
			return nil, fmt.Errorf("encode warcprox meta: %w", err)
		}
		headers[WarcproxMetaHeader] = string(meta)
	}
	return headers, nil
}

// OutlinkSummary records what happened to a page's outlinks.
type OutlinkSummary struct {
	Accepted []string `json:"accepted,omitempty"`
	Blocked  []string `json:"blocked,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
}

// Page is one URL within a site.
type Page struct {
	ID             string          `json:"id"`
	SiteID         string          `json:"site_id"`
	JobID          string          `json:"job_id,omitempty"`
	URL            string          `json:"url"`
	HopsFromSeed   int             `json:"hops_from_seed"`
	HopsOff        int             `json:"hops_off"`
	Priority       int             `json:"priority"`
	Claimed        bool            `json:"claimed"`
	Claimant       string          `json:"claimant,omitempty"`
	LastClaimed    *time.Time      `json:"last_claimed,omitempty"`
	BrozzleCount   int             `json:"brozzle_count"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
	ViaPageID      string          `json:"via_page_id,omitempty"`
	FailedAttempts int             `json:"failed_attempts,omitempty"`
	LastBrozzled   *time.Time      `json:"last_brozzled,omitempty"`
	Outlinks       *OutlinkSummary `json:"outlinks,omitempty"`
}

// NewJob builds a job record in ACTIVE status with an open start interval.
func NewJob(id string, conf JobConf, now time.Time) Job {
	conf.ID = id
	return Job{
		ID:             id,
		Status:         JobStatusActive,
		StartsAndStops: []StartStop{{Start: now}},
		Conf:           conf,
	}
}

// NewSite builds a site for seed with defaults applied: ACTIVE status, an open
// start interval and a scope anchored on the seed when none was provided.
func NewSite(id, jobID, seed string, now time.Time) (Site, error) {
	canon, err := Canonicalize(seed)
	if err != nil {
		return Site{}, err
	}
	anchor, err := SiteSURT(canon)
	if err != nil {
		return Site{}, err
	}
	return Site{
		ID:             id,
		JobID:          jobID,
		Seed:           canon,
		Scope:          Scope{Surt: anchor},
		Status:         SiteStatusActive,
		StartsAndStops: []StartStop{{Start: now}},
	}, nil
}

// NewPage builds an unclaimed page with a deterministic ID.
func NewPage(site Site, canonicalURL string, hopsFromSeed, hopsOff int, viaPageID string) Page {
	priority := Priority(hopsFromSeed, canonicalURL)
	if hopsFromSeed == 0 {
		priority = SeedPriority
	}
	return Page{
		ID:           PageID(site.ID, canonicalURL),
		SiteID:       site.ID,
		JobID:        site.JobID,
		URL:          canonicalURL,
		HopsFromSeed: hopsFromSeed,
		HopsOff:      hopsOff,
		Priority:     priority,
		ViaPageID:    viaPageID,
	}
}

// ReachedLimitPayload is the decoded body of an archiving proxy "reached limit" signal.
type ReachedLimitPayload map[string]any

// ServiceStatus is the liveness record a worker publishes to the registry.
type ServiceStatus struct {
	ID             string        `json:"id"`
	Role           string        `json:"role"`
	Host           string        `json:"host"`
	PID            int           `json:"pid"`
	Load           float64       `json:"load"`
	Available      bool          `json:"available"`
	TTL            time.Duration `json:"ttl"`
	FirstHeartbeat time.Time     `json:"first_heartbeat"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
}
