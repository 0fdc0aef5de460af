package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentmesh"

// Metrics holds all agentmesh metric instruments. Its methods satisfy the
// optional metrics interfaces of the registry, queue and agent packages.
type Metrics struct {
	registrations     metric.Int64Counter
	heartbeats        metric.Int64Counter
	evictions         metric.Int64Counter
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	messagesDropped   metric.Int64Counter
	taskAttempts      metric.Int64Counter
	taskOutcomes      metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.registrations, err = meter.Int64Counter("agentmesh.registry.registrations",
		metric.WithDescription("Number of agent registrations"))
	if err != nil {
		return nil, err
	}

	m.heartbeats, err = meter.Int64Counter("agentmesh.registry.heartbeats",
		metric.WithDescription("Number of heartbeats received"))
	if err != nil {
		return nil, err
	}

	m.evictions, err = meter.Int64Counter("agentmesh.registry.evictions",
		metric.WithDescription("Number of agents evicted for missed heartbeats"))
	if err != nil {
		return nil, err
	}

	m.messagesPublished, err = meter.Int64Counter("agentmesh.queue.published",
		metric.WithDescription("Number of envelopes published"))
	if err != nil {
		return nil, err
	}

	m.messagesConsumed, err = meter.Int64Counter("agentmesh.queue.consumed",
		metric.WithDescription("Number of envelopes consumed and acknowledged"))
	if err != nil {
		return nil, err
	}

	m.messagesDropped, err = meter.Int64Counter("agentmesh.queue.dropped",
		metric.WithDescription("Number of envelopes dropped before delivery"))
	if err != nil {
		return nil, err
	}

	m.taskAttempts, err = meter.Int64Counter("agentmesh.task.attempts",
		metric.WithDescription("Number of task generation attempts"))
	if err != nil {
		return nil, err
	}

	m.taskOutcomes, err = meter.Int64Counter("agentmesh.task.outcomes",
		metric.WithDescription("Number of finished tasks by status"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) AgentRegistered(name string) {
	m.registrations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", name)))
}

func (m *Metrics) HeartbeatReceived(name string) {
	m.heartbeats.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", name)))
}

func (m *Metrics) AgentEvicted(ctx context.Context, name string) {
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", name)))
}

func (m *Metrics) MessagePublished(ctx context.Context, queue string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) MessageConsumed(ctx context.Context, queue string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) MessageDropped(ctx context.Context, queue, reason string) {
	m.messagesDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason)))
}

func (m *Metrics) TaskAttempt(ctx context.Context, agent string) {
	m.taskAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

func (m *Metrics) TaskFinished(ctx context.Context, agent, status string) {
	m.taskOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status)))
}
