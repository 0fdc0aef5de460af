package registry

import (
	"context"
	"log/slog"
	"time"
)

// EvictionMetrics receives a count for each evicted agent. Optional.
type EvictionMetrics interface {
	AgentEvicted(ctx context.Context, name string)
}

// Sweeper periodically evicts agents that have gone silent. It is composed
// around a Registry rather than owned by it, so health inspection and
// elimination stay separate concerns.
//
// The eviction timeout must exceed the agents' heartbeat period by a
// comfortable margin so transient scheduling delays do not cause flapping.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	evict    time.Duration
	metrics  EvictionMetrics

	done    chan struct{}
	stopped chan struct{}
}

// NewSweeper creates a sweeper that runs every interval and evicts agents
// silent for longer than evictAfter. metrics may be nil.
func NewSweeper(reg *Registry, interval, evictAfter time.Duration, metrics EvictionMetrics) *Sweeper {
	return &Sweeper{
		registry: reg,
		interval: interval,
		evict:    evictAfter,
		metrics:  metrics,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to shut it down.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it.
func (s *Sweeper) Stop() {
	close(s.done)
	<-s.stopped
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep evicts every agent whose heartbeat silence exceeds the timeout.
func (s *Sweeper) sweep(ctx context.Context) {
	for _, name := range s.registry.CheckHealth(s.evict) {
		s.registry.Unregister(name)
		slog.Info("agent evicted", "agent", name, "silent_for", s.evict.String())
		if s.metrics != nil {
			s.metrics.AgentEvicted(ctx, name)
		}
	}
}
