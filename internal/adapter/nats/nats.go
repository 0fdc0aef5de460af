// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/domain/envelope"
	"github.com/agentmesh/agentmesh/internal/port/messagequeue"
)

const streamName = "AGENTMESH"

// Queue implements messagequeue.Queue on a JetStream stream covering every
// agent inbox subject. Each agent queue maps to one subject and one durable
// consumer, so envelopes survive restarts of both broker clients.
type Queue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics Metrics
}

// Metrics receives queue-level events. A nil implementation is allowed.
type Metrics interface {
	MessagePublished(ctx context.Context, queue string)
	MessageConsumed(ctx context.Context, queue string)
	MessageDropped(ctx context.Context, queue, reason string)
}

// Connect establishes a connection to NATS and ensures the inbox stream
// exists. metrics may be nil.
func Connect(ctx context.Context, url string, metrics Metrics) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.InboxPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js, metrics: metrics}, nil
}

// Publish validates env against its payload schema and persists it on the
// named queue. Validation failures are dropped before they reach the broker.
func (q *Queue) Publish(ctx context.Context, queue string, env envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", queue, err)
	}
	if err := messagequeue.Validate(queue, data); err != nil {
		if q.metrics != nil {
			q.metrics.MessageDropped(ctx, queue, "schema")
		}
		return err
	}

	if !q.nc.IsConnected() {
		return fmt.Errorf("publish %s: %w", queue, domain.ErrUnavailable)
	}
	if _, err := q.js.Publish(ctx, queue, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", queue, err)
	}
	if q.metrics != nil {
		q.metrics.MessagePublished(ctx, queue)
	}
	return nil
}

// Consume attaches a durable consumer to the named queue and delivers
// envelopes one at a time. An envelope is acknowledged only after handler
// returns nil; a handler error leaves it queued for redelivery.
func (q *Queue) Consume(ctx context.Context, queue string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create %s: %w", queue, err)
	}

	var inFlight sync.WaitGroup
	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		inFlight.Add(1)
		defer inFlight.Done()

		env, err := envelope.Unmarshal(msg.Data())
		if err != nil {
			slog.Error("undecodable envelope dropped", "queue", queue, "error", err)
			if q.metrics != nil {
				q.metrics.MessageDropped(ctx, queue, "decode")
			}
			// Malformed data can never succeed on redelivery.
			if termErr := msg.Term(); termErr != nil {
				slog.Error("nats term failed", "queue", queue, "error", termErr)
			}
			return
		}

		if err := handler(ctx, env); err != nil {
			slog.Error("message handler failed",
				"queue", queue, "message_id", env.MessageID, "type", env.Type, "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "queue", queue, "error", nakErr)
			}
			return
		}

		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "queue", queue, "error", ackErr)
			return
		}
		if q.metrics != nil {
			q.metrics.MessageConsumed(ctx, queue)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume %s: %w", queue, err)
	}

	cancel := func() {
		cons.Stop()
		inFlight.Wait()
	}
	return cancel, nil
}

// Drain flushes pending operations and closes the connection gracefully.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is currently up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// durableName derives a consumer name from a queue subject. Dots are not
// valid in durable names.
func durableName(queue string) string {
	return strings.ReplaceAll(queue, ".", "_")
}
