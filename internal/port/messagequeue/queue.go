// Package messagequeue defines the message queue port (interface) for the
// durable, per-agent envelope queues.
package messagequeue

import (
	"context"
	"strings"

	"github.com/agentmesh/agentmesh/internal/domain/envelope"
)

// Handler processes one envelope delivered from an agent's queue.
// Returning an error leaves the envelope unacknowledged, so it becomes
// available for redelivery (at-least-once; handlers must tolerate
// reprocessing).
type Handler func(ctx context.Context, env envelope.Envelope) error

// Queue is the port interface for publishing to and consuming from the
// named, durable queue belonging to each agent.
type Queue interface {
	// Publish persists env on the named queue before returning.
	// Fails fast when the underlying transport is unavailable; the caller
	// decides whether to drop, log, or retry.
	Publish(ctx context.Context, queue string, env envelope.Envelope) error

	// Consume delivers envelopes from the named queue to handler, one
	// unacknowledged envelope at a time (prefetch 1), in publish order.
	// The returned function cancels the subscription; an in-flight handler
	// finishes before the cancellation returns.
	Consume(ctx context.Context, queue string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// InboxPrefix is the subject prefix under which every agent's queue lives.
const InboxPrefix = "agents.inbox."

// QueueFor returns the queue name for an agent. Characters that are not
// valid subject tokens are replaced so any agent name maps to a usable
// queue.
func QueueFor(agentName string) string {
	return InboxPrefix + sanitizeToken(agentName)
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
