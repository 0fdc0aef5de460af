// Package registry implements the in-memory capability registry: a
// directory mapping agent names to declared capabilities and last-seen
// times, answering heartbeat-based liveness queries.
//
// Concurrency contract: every operation runs under a single mutex covering
// the whole map. The mutex guards only in-memory access; no registry method
// performs I/O while holding it.
package registry

import (
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/domain"
)

// record is the stored state for one agent.
type record struct {
	capabilities  []string
	lastHeartbeat time.Time
}

// Registry is the authoritative directory of live agents.
// Instantiate once per process and pass by reference.
type Registry struct {
	mu    sync.Mutex
	items map[string]record
	now   func() time.Time // for testing
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		items: make(map[string]record),
		now:   time.Now,
	}
}

// Register creates or fully replaces the record for name. The capability
// set is replaced, not merged, and the heartbeat timestamp is refreshed.
// Idempotent; never fails.
func (r *Registry) Register(name string, capabilities []string) {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = record{capabilities: caps, lastHeartbeat: r.now()}
}

// Heartbeat refreshes the timestamp for name if it is registered.
// A heartbeat for an unknown agent is a deliberate no-op: it must not
// resurrect an evicted record. Recovery happens through re-registration.
func (r *Registry) Heartbeat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.items[name]; ok {
		rec.lastHeartbeat = r.now()
		r.items[name] = rec
	}
}

// Unregister removes the record for name; no-op when absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, name)
}

// GetCapabilities returns the capability set for name, or
// domain.ErrNotFound when the agent is not registered.
func (r *Registry) GetCapabilities(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.items[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	caps := make([]string, len(rec.capabilities))
	copy(caps, rec.capabilities)
	return caps, nil
}

// ListAgents returns a snapshot of every registered agent and its
// capability set. Timestamps are not exposed.
func (r *Registry) ListAgents() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.items))
	for name, rec := range r.items {
		caps := make([]string, len(rec.capabilities))
		copy(caps, rec.capabilities)
		out[name] = caps
	}
	return out
}

// CheckHealth returns the names whose last heartbeat is strictly older than
// timeout. Pure read: it never mutates state, so liveness inspection stays
// decoupled from eviction.
func (r *Registry) CheckHealth(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var unhealthy []string
	for name, rec := range r.items {
		if now.Sub(rec.lastHeartbeat) > timeout {
			unhealthy = append(unhealthy, name)
		}
	}
	return unhealthy
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// SetNow overrides the clock; tests only.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
