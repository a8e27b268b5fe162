package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/browsercrawler/internal/progress"
)

const (
	noJob      = "none"
	errorClass = "error"
)

// PrometheusSink turns crawl events into per-job Prometheus series.
type PrometheusSink struct {
	heartbeats    prometheus.Counter
	sitesClaimed  *prometheus.CounterVec
	sitesFinished *prometheus.CounterVec
	sitesRunning  *prometheus.GaugeVec
	sessionLength prometheus.Histogram
	pageResults   *prometheus.CounterVec
	pageOutlinks  *prometheus.CounterVec
	pageDuration  *prometheus.HistogramVec

	mu sync.Mutex
	// running maps each site claimed by this process to its job label.
	running map[string]string
}

// NewPrometheusSink registers the sink's collectors on reg, or on the
// default registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_worker_heartbeats_total",
			Help: "Worker heartbeats recorded in the service registry.",
		}),
		sitesClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_job_sites_claimed_total",
			Help: "Site claims partitioned by job.",
		}, []string{"job"}),
		sitesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_job_sites_finished_total",
			Help: "Sites reaching a terminal status partitioned by job and status.",
		}, []string{"job", "status"}),
		sitesRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_job_sites_running",
			Help: "Sites currently claimed by this process partitioned by job.",
		}, []string{"job"}),
		sessionLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_job_session_seconds",
			Help:    "Wall time between a site claim and its disclaim.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 420, 600},
		}),
		pageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_job_pages_total",
			Help: "Brozzled pages partitioned by job and status class; failures count as \"error\".",
		}, []string{"job", "status_class"}),
		pageOutlinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_job_outlinks_total",
			Help: "Outlinks discovered per job.",
		}, []string{"job"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_job_page_seconds",
			Help:    "Page browse duration partitioned by status class.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"status_class"}),
		running: map[string]string{},
	}
	for _, c := range s.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.heartbeats, s.sitesClaimed, s.sitesFinished, s.sitesRunning,
		s.sessionLength, s.pageResults, s.pageOutlinks, s.pageDuration,
	}
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		job := evt.JobID
		if job == "" {
			job = noJob
		}
		switch evt.Stage {
		case progress.StageWorkerHB:
			s.heartbeats.Inc()
		case progress.StageSiteClaimed:
			s.sitesClaimed.WithLabelValues(job).Inc()
			s.claimed(evt.SiteID, job)
		case progress.StageSiteDisclaimed:
			s.disclaimed(evt.SiteID)
			if evt.Dur > 0 {
				s.sessionLength.Observe(evt.Dur.Seconds())
			}
		case progress.StageSiteFinished:
			s.sitesFinished.WithLabelValues(job, evt.SiteStatus).Inc()
		case progress.StagePageDone:
			class := string(evt.StatusClass)
			if class == "" {
				class = string(progress.StatusOther)
			}
			s.page(job, class, evt)
		case progress.StagePageError:
			s.page(job, errorClass, evt)
		}
	}
	return nil
}

func (s *PrometheusSink) page(job, class string, evt progress.Event) {
	s.pageResults.WithLabelValues(job, class).Inc()
	if evt.Outlinks > 0 {
		s.pageOutlinks.WithLabelValues(job).Add(float64(evt.Outlinks))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
	}
}

// claimed counts a site as running once, however many claim events repeat.
func (s *PrometheusSink) claimed(siteID, job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[siteID]; ok {
		return
	}
	s.running[siteID] = job
	s.sitesRunning.WithLabelValues(job).Inc()
}

func (s *PrometheusSink) disclaimed(siteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.running[siteID]
	if !ok {
		return
	}
	delete(s.running, siteID)
	s.sitesRunning.WithLabelValues(job).Dec()
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
