// Package health tracks venue connection states and serves them over the
// standard gRPC health protocol.
package health

import (
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

// VenueStatus is the last reported state of one venue.
type VenueStatus struct {
	State adapter.State
	Since time.Time
}

// Registry records the connection state of every watched venue and mirrors
// it into a grpc health server. A venue's service is SERVING only while it
// streams; the overall service "" is SERVING when every venue streams.
type Registry struct {
	hs *health.Server

	mu     sync.RWMutex
	venues map[string]*VenueStatus

	nowFunc func() time.Time // injectable clock for testing
}

func NewRegistry() *Registry {
	r := &Registry{
		hs:      health.NewServer(),
		venues:  make(map[string]*VenueStatus),
		nowFunc: time.Now,
	}
	r.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Watch registers a venue as Disconnected. Venues must be watched before
// streams start for the overall status to account for them.
func (r *Registry) Watch(venue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.venues[venue]; ok {
		return
	}
	r.venues[venue] = &VenueStatus{State: adapter.Disconnected, Since: r.nowFunc()}
	r.publishLocked(venue)
}

// OnState implements adapter.StateListener. Unwatched venues are added.
func (r *Registry) OnState(venue string, s adapter.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, ok := r.venues[venue]
	if !ok {
		vs = &VenueStatus{}
		r.venues[venue] = vs
	}
	if ok && vs.State == s {
		return
	}
	vs.State = s
	vs.Since = r.nowFunc()
	r.publishLocked(venue)
}

func (r *Registry) publishLocked(venue string) {
	r.hs.SetServingStatus(venue, servingStatus(r.venues[venue].State == adapter.Streaming))

	all := len(r.venues) > 0
	for _, vs := range r.venues {
		if vs.State != adapter.Streaming {
			all = false
			break
		}
	}
	r.hs.SetServingStatus("", servingStatus(all))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Status returns the last state reported for venue.
func (r *Registry) Status(venue string) (VenueStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs, ok := r.venues[venue]
	if !ok {
		return VenueStatus{}, false
	}
	return *vs, true
}

// Healthy reports whether every watched venue is streaming.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.venues) == 0 {
		return false
	}
	for _, vs := range r.venues {
		if vs.State != adapter.Streaming {
			return false
		}
	}
	return true
}

// HealthServer is the grpc health service backed by the registry.
func (r *Registry) HealthServer() healthpb.HealthServer { return r.hs }

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *Registry) Shutdown() { r.hs.Shutdown() }
