// Package agent implements the lifecycle shared by every worker and
// controller process: registration, heartbeating, and the message consume
// loop with per-type dispatch.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/domain/envelope"
	"github.com/agentmesh/agentmesh/internal/port/messagequeue"
)

// Registry is the slice of the registry client the runtime needs.
type Registry interface {
	Register(ctx context.Context, agentName string, capabilities []string) error
	Heartbeat(ctx context.Context, agentName string) error
	Unregister(ctx context.Context, agentName string) error
	ListAgents(ctx context.Context) (map[string][]string, error)
}

// Runtime runs one agent: it keeps the agent registered and alive in the
// registry and feeds envelopes from the agent's queue to type-specific
// handlers. Handlers run one at a time; a slow handler delays this agent's
// next message but nothing else.
type Runtime struct {
	name           string
	controllerName string

	capMu        sync.Mutex
	capabilities []string

	heartbeat      time.Duration
	reregisterGap  int

	registry Registry
	queue    messagequeue.Queue
	handlers map[envelope.Type]messagequeue.Handler
	log      *slog.Logger
}

// New creates a runtime and registers the agent. Registration failure is
// logged, not fatal: discovery is advisory, the queue is the load-bearing
// path.
func New(cfg config.Agent, reg Registry, queue messagequeue.Queue, handlers map[envelope.Type]messagequeue.Handler, log *slog.Logger) *Runtime {
	r := &Runtime{
		name:           cfg.Name,
		capabilities:   append([]string(nil), cfg.Capabilities...),
		controllerName: cfg.ControllerName,
		heartbeat:      cfg.Heartbeat,
		reregisterGap:  cfg.ReregisterEvery,
		registry:       reg,
		queue:          queue,
		handlers:       handlers,
		log:            log.With("agent", cfg.Name),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Register(ctx, r.name, r.caps()); err != nil {
		r.log.Warn("initial registration failed, continuing", "error", err)
	} else {
		r.log.Info("registered", "capabilities", cfg.Capabilities)
	}
	return r
}

// Name returns the agent's identity.
func (r *Runtime) Name() string { return r.name }

func (r *Runtime) caps() []string {
	r.capMu.Lock()
	defer r.capMu.Unlock()
	return append([]string(nil), r.capabilities...)
}

// Run starts the heartbeat and listen activities and blocks until ctx is
// cancelled. The in-flight handler, if any, finishes before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.heartbeatLoop(ctx) })
	g.Go(func() error { return r.listen(ctx) })

	err := g.Wait()

	unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := r.registry.Unregister(unregCtx, r.name); uerr != nil {
		r.log.Warn("unregister on shutdown failed", "error", uerr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// heartbeatLoop refreshes the registry on a fixed period. Every
// reregisterGap beats it re-registers instead, so an agent evicted while
// still alive eventually reappears: a plain heartbeat never resurrects an
// evicted record.
func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	beats := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beats++
			if r.reregisterGap > 0 && beats%r.reregisterGap == 0 {
				if err := r.registry.Register(ctx, r.name, r.caps()); err != nil {
					r.log.Warn("periodic re-registration failed", "error", err)
				}
				continue
			}
			if err := r.registry.Heartbeat(ctx, r.name); err != nil {
				r.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runtime) listen(ctx context.Context) error {
	cancel, err := r.queue.Consume(ctx, messagequeue.QueueFor(r.name), r.dispatch)
	if err != nil {
		return fmt.Errorf("consume own queue: %w", err)
	}
	<-ctx.Done()
	cancel()
	return ctx.Err()
}

// dispatch routes one envelope to its handler. Handler failures and panics
// are contained here: they become a status-update reply and the envelope
// is still acknowledged, so one poisoned message never wedges the queue.
func (r *Runtime) dispatch(ctx context.Context, env envelope.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panicked", "type", env.Type, "message_id", env.MessageID, "panic", p)
			r.reportHandlerFailure(ctx, env, fmt.Sprintf("panic: %v", p))
			err = nil
		}
	}()

	handler, ok := r.handlers[env.Type]
	if !ok {
		r.log.Warn("no handler for message type, dropping",
			"type", env.Type, "message_id", env.MessageID, "sender", env.Sender)
		return nil
	}

	r.log.Info("handling message", "type", env.Type, "message_id", env.MessageID, "sender", env.Sender)
	if herr := handler(ctx, env); herr != nil {
		r.log.Error("handler failed", "type", env.Type, "message_id", env.MessageID, "error", herr)
		r.reportHandlerFailure(ctx, env, herr.Error())
	}
	return nil
}

func (r *Runtime) reportHandlerFailure(ctx context.Context, env envelope.Envelope, detail string) {
	target := env.Sender
	if target == "" {
		target = r.controllerName
	}
	if target == "" || target == r.name {
		return
	}
	payload := messagequeue.StatusUpdatePayload{
		Status: "error",
		Error:  detail,
		Detail: fmt.Sprintf("while handling %s %s", env.Type, env.MessageID),
	}
	if err := r.SendMessage(ctx, target, envelope.TypeStatusUpdate, payload); err != nil {
		r.log.Error("failed to report handler failure", "target", target, "error", err)
	}
}

// SendMessage publishes a fresh envelope to receiver's queue. The publish
// is detached from ctx cancellation: a handler that finishes its work
// while shutdown is underway must still deliver its result envelope, or
// the whole task re-runs on redelivery.
func (r *Runtime) SendMessage(ctx context.Context, receiver string, typ envelope.Type, payload any) error {
	env, err := envelope.New(r.name, receiver, typ, payload)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	return r.queue.Publish(context.WithoutCancel(ctx), messagequeue.QueueFor(receiver), env)
}

// SendProgress publishes a progress-update envelope carrying progress in
// [0,1]. Detached from ctx cancellation like SendMessage.
func (r *Runtime) SendProgress(ctx context.Context, receiver string, payload messagequeue.ProgressUpdatePayload, progress float64) error {
	env, err := envelope.New(r.name, receiver, envelope.TypeProgressUpdate, payload)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	env = env.WithProgress(progress)
	return r.queue.Publish(context.WithoutCancel(ctx), messagequeue.QueueFor(receiver), env)
}

// UpdateCapabilities replaces the agent's declared capabilities and
// re-registers so the registry sees the new set immediately.
func (r *Runtime) UpdateCapabilities(ctx context.Context, capabilities []string) error {
	r.capMu.Lock()
	r.capabilities = append([]string(nil), capabilities...)
	r.capMu.Unlock()

	if err := r.registry.Register(ctx, r.name, r.caps()); err != nil {
		return fmt.Errorf("re-register with new capabilities: %w", err)
	}
	return nil
}
