// Package progress defines the event structures emitted by the crawl workers.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageWorkerHB       Stage = "WORKER_HEARTBEAT"
	StageSiteClaimed    Stage = "SITE_CLAIMED"
	StageSiteDisclaimed Stage = "SITE_DISCLAIMED"
	StageSiteFinished   Stage = "SITE_FINISHED"
	StagePageStart      Stage = "PAGE_START"
	StagePageDone       Stage = "PAGE_DONE"
	StagePageError      Stage = "PAGE_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawler progress.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle or page milestone occurred.
	Stage    Stage  `json:"stage"`
	WorkerID string `json:"worker_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	SiteID   string `json:"site_id,omitempty"`
	// URL is the page URL for page stages; it should not contain credentials.
	URL string `json:"url,omitempty"`
	// SiteStatus is the terminal status carried by SITE_FINISHED.
	SiteStatus  string      `json:"site_status,omitempty"`
	StatusClass StatusClass `json:"status_class,omitempty"`
	Outlinks    int         `json:"outlinks,omitempty"`
	// Dur captures browse latency for pages and session length for disclaims.
	Dur time.Duration `json:"dur,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageWorkerHB:
		if e.WorkerID == "" {
			return errors.New("heartbeat requires worker id")
		}
	case StageSiteClaimed, StageSiteDisclaimed:
		if e.SiteID == "" {
			return fmt.Errorf("%s requires site id", e.Stage)
		}
	case StageSiteFinished:
		if e.SiteID == "" || e.SiteStatus == "" {
			return errors.New("site finished requires site id and status")
		}
	case StagePageStart, StagePageDone, StagePageError:
		if e.SiteID == "" || e.URL == "" {
			return fmt.Errorf("%s requires site id and url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// IsPage reports whether the event belongs to a page rather than a site or worker.
func (e Event) IsPage() bool {
	return e.Stage == StagePageStart || e.Stage == StagePageDone || e.Stage == StagePageError
}

// PartitionKey keeps a site's events ordered on partitioned transports.
func (e Event) PartitionKey() string {
	if e.SiteID != "" {
		return e.SiteID
	}
	return e.WorkerID
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
