package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/domain/envelope"
	"github.com/agentmesh/agentmesh/internal/port/messagequeue"
	"github.com/agentmesh/agentmesh/internal/port/oracle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue records published envelopes and lets tests deliver them to
// registered consumers by hand.
type fakeQueue struct {
	mu        sync.Mutex
	published map[string][]envelope.Envelope
	handlers  map[string]messagequeue.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		published: map[string][]envelope.Envelope{},
		handlers:  map[string]messagequeue.Handler{},
	}
}

func (q *fakeQueue) Publish(ctx context.Context, queue string, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := messagequeue.Validate(queue, data); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published[queue] = append(q.published[queue], env)
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, queue string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = handler
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) sent(queue string) []envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]envelope.Envelope(nil), q.published[queue]...)
}

func (q *fakeQueue) sentOfType(queue string, typ envelope.Type) []envelope.Envelope {
	var out []envelope.Envelope
	for _, env := range q.sent(queue) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// fakeRegistry implements Registry in memory.
type fakeRegistry struct {
	mu            sync.Mutex
	agents        map[string][]string
	registerCalls int
	heartbeats    int
	failRegister  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{agents: map[string][]string{}}
}

func (r *fakeRegistry) Register(ctx context.Context, name string, caps []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerCalls++
	if r.failRegister != nil {
		return r.failRegister
	}
	r.agents[name] = append([]string(nil), caps...)
	return nil
}

func (r *fakeRegistry) Heartbeat(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *fakeRegistry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	return nil
}

func (r *fakeRegistry) ListAgents(ctx context.Context) (map[string][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.agents))
	for k, v := range r.agents {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (r *fakeRegistry) counts() (registers, heartbeats int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerCalls, r.heartbeats
}

// memFiles implements filestore.Store in memory.
type memFiles struct {
	mu    sync.Mutex
	files map[string]string
}

func newMemFiles() *memFiles {
	return &memFiles{files: map[string]string{}}
}

func (m *memFiles) Read(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, domain.ErrNotFound)
	}
	return content, nil
}

func (m *memFiles) Write(ctx context.Context, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
	return nil
}

func (m *memFiles) get(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	return content, ok
}

func (m *memFiles) statusLines(path string) []string {
	content, ok := m.get(path)
	if !ok || content == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(content, "\n"), "\n")
}

// fakeGit implements gitclient.Client, recording calls.
type fakeGit struct {
	mu         sync.Mutex
	inits      []string
	commits    []string
	failCommit error
}

func (g *fakeGit) Init(ctx context.Context, repo string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inits = append(g.inits, repo)
	return nil
}

func (g *fakeGit) Commit(ctx context.Context, repo, message string, changes map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCommit != nil {
		return "", g.failCommit
	}
	g.commits = append(g.commits, repo+": "+message)
	return "deadbeef", nil
}

// stubOracle returns a scripted decision or error.
type stubOracle struct {
	mu       sync.Mutex
	decision oracle.Decision
	err      error
	prompts  []string
}

func (o *stubOracle) Decide(ctx context.Context, prompt string) (oracle.Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompts = append(o.prompts, prompt)
	if o.err != nil {
		return oracle.Decision{}, o.err
	}
	return o.decision, nil
}
