// Package memory provides an in-process service registry for tests and
// single-node runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// Registry keeps service heartbeats in a map.
type Registry struct {
	mu       sync.Mutex
	clock    crawler.Clock
	services map[string]crawler.ServiceStatus
}

var _ crawler.ServiceRegistry = (*Registry)(nil)

// New returns an empty Registry.
func New(clock crawler.Clock) *Registry {
	return &Registry{clock: clock, services: make(map[string]crawler.ServiceStatus)}
}

// Heartbeat records status, keeping the first heartbeat time of a known service.
func (r *Registry) Heartbeat(_ context.Context, status crawler.ServiceStatus) error {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	status.FirstHeartbeat = now
	if prev, ok := r.services[status.ID]; ok && !prev.FirstHeartbeat.IsZero() {
		status.FirstHeartbeat = prev.FirstHeartbeat
	}
	status.LastHeartbeat = now
	r.services[status.ID] = status
	return nil
}

// Unregister removes the service.
func (r *Registry) Unregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, id)
	return nil
}

// Available lists live, available services of role, least loaded first.
func (r *Registry) Available(_ context.Context, role string) ([]crawler.ServiceStatus, error) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []crawler.ServiceStatus
	for _, s := range r.services {
		if s.Role != role || !s.Available || expired(s, now) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func expired(s crawler.ServiceStatus, now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.LastHeartbeat) > s.TTL
}
