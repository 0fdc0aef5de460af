package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/domain/envelope"
	"github.com/agentmesh/agentmesh/internal/port/filestore"
	"github.com/agentmesh/agentmesh/internal/port/gitclient"
	"github.com/agentmesh/agentmesh/internal/port/messagequeue"
	"github.com/agentmesh/agentmesh/internal/port/oracle"
	"github.com/agentmesh/agentmesh/internal/port/timeline"
)

const (
	requirementsFile = "requirements.md"
	statusFile       = "status.md"
)

// fallbackQuestion is asked when the oracle's answer cannot be used.
const fallbackQuestion = "The requirement could not be turned into a next step. Can you restate or refine it?"

// Controller drives the workflow: it scaffolds projects from incoming
// requirements, consults the oracle after every outcome, and assigns the
// next task or closes the project. It holds no per-project state in
// memory; everything is rebuilt from the project's requirement and status
// files, so a restarted controller picks up where the last one stopped.
type Controller struct {
	rt       *Runtime
	oracle   oracle.Oracle
	registry Registry
	files    filestore.Store
	git      gitclient.Client
	timeline timeline.Store
	frontend string
	log      *slog.Logger
	now      func() time.Time
}

// ControllerDeps bundles the collaborators of a Controller. Git and
// Timeline are optional.
type ControllerDeps struct {
	Oracle   oracle.Oracle
	Registry Registry
	Files    filestore.Store
	Git      gitclient.Client
	Timeline timeline.Store
	Frontend string
	Log      *slog.Logger
}

// NewController creates a controller. Bind must be called with the
// runtime before messages flow.
func NewController(deps ControllerDeps) *Controller {
	return &Controller{
		oracle:   deps.Oracle,
		registry: deps.Registry,
		files:    deps.Files,
		git:      deps.Git,
		timeline: deps.Timeline,
		frontend: deps.Frontend,
		log:      deps.Log,
		now:      time.Now,
	}
}

// Bind attaches the runtime the controller sends through.
func (c *Controller) Bind(rt *Runtime) { c.rt = rt }

// Handlers returns the controller's dispatch table.
func (c *Controller) Handlers() map[envelope.Type]messagequeue.Handler {
	return map[envelope.Type]messagequeue.Handler{
		envelope.TypeNewRequirement:        c.HandleRequirement,
		envelope.TypeUpdateRequirement:     c.HandleRequirement,
		envelope.TypeClarificationResponse: c.HandleClarificationResponse,
		envelope.TypeTaskExecutionResult:   c.HandleTaskResult,
		envelope.TypeTestResult:            c.HandleTestResult,
		envelope.TypeProgressUpdate:        c.HandleProgress,
		envelope.TypeStatusUpdate:          c.HandleStatusUpdate,
		envelope.TypeFeedback:              c.HandleFeedback,
	}
}

// HandleRequirement scaffolds the project for a new or updated
// requirement and runs the first decision.
func (c *Controller) HandleRequirement(ctx context.Context, env envelope.Envelope) error {
	var req messagequeue.RequirementPayload
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode requirement: %w", err)
	}
	origin := c.origin(env)

	if req.Project.Name == "" || strings.TrimSpace(req.Requirement) == "" {
		payload := messagequeue.ClarificationRequestPayload{
			Project:     req.Project,
			Requirement: req.Requirement,
			Questions:   []string{"Which project is this requirement for, and what should be built?"},
			Reason:      "requirement arrived without a project name or text",
		}
		return c.rt.SendMessage(ctx, origin, envelope.TypeClarificationRequest, payload)
	}
	project := normalizeProject(req.Project)

	if c.git != nil {
		if err := c.git.Init(ctx, project.RepoName); err != nil {
			c.log.Warn("repo init failed", "repo", project.RepoName, "error", err)
		}
	}
	if err := c.files.Write(ctx, path.Join(project.Folder, requirementsFile), req.Requirement); err != nil {
		return fmt.Errorf("store requirement: %w", err)
	}
	verb := "received"
	if env.Type == envelope.TypeUpdateRequirement {
		verb = "updated"
	}
	c.appendStatus(ctx, project, fmt.Sprintf("requirement %s from %s", verb, env.Sender))

	return c.decide(ctx, project, origin, "")
}

// HandleClarificationResponse merges the answer into the stored
// requirement and decides again.
func (c *Controller) HandleClarificationResponse(ctx context.Context, env envelope.Envelope) error {
	var resp messagequeue.ClarificationResponsePayload
	if err := env.Decode(&resp); err != nil {
		return fmt.Errorf("decode clarification response: %w", err)
	}
	project := normalizeProject(resp.Project)
	origin := c.origin(env)

	reqPath := path.Join(project.Folder, requirementsFile)
	requirement, err := c.files.Read(ctx, reqPath)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("read requirement: %w", err)
	}
	if resp.Requirement != "" && requirement == "" {
		requirement = resp.Requirement
	}
	merged := strings.TrimRight(requirement, "\n") + "\n\nClarification:\n" + resp.Clarification + "\n"
	if err := c.files.Write(ctx, reqPath, merged); err != nil {
		return fmt.Errorf("store merged requirement: %w", err)
	}
	c.appendStatus(ctx, project, "clarification received from "+env.Sender)

	return c.decide(ctx, project, origin, "")
}

// HandleTaskResult records the outcome, forwards it to the frontend and
// decides what happens next.
func (c *Controller) HandleTaskResult(ctx context.Context, env envelope.Envelope) error {
	var res messagequeue.TaskExecutionResultPayload
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode task result: %w", err)
	}
	project := normalizeProject(res.Project)

	line := fmt.Sprintf("task by %s finished: status=%s attempts=%d", env.Sender, res.Status, res.Attempts)
	if res.LastError != "" {
		line += " error=" + res.LastError
	}
	if res.CommitError != "" {
		line += " commit_error=" + res.CommitError
	}
	c.appendStatus(ctx, project, line)

	c.forward(ctx, env)

	outcome := fmt.Sprintf("agent %s reported %s after %d attempts", env.Sender, res.Status, res.Attempts)
	if res.LastError != "" {
		outcome += ": " + res.LastError
	}
	return c.decideAfterTask(ctx, project, c.frontend, outcome)
}

// HandleTestResult records a test run's outcome and decides next steps.
func (c *Controller) HandleTestResult(ctx context.Context, env envelope.Envelope) error {
	var res messagequeue.TestResultPayload
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode test result: %w", err)
	}
	project := normalizeProject(res.Project)

	c.appendStatus(ctx, project, fmt.Sprintf("tests by %s finished: success=%t", env.Sender, res.Success))
	c.forward(ctx, env)

	outcome := fmt.Sprintf("test run by %s: success=%t", env.Sender, res.Success)
	if !res.Success && res.Stderr != "" {
		outcome += ": " + res.Stderr
	}
	return c.decideAfterTask(ctx, project, c.frontend, outcome)
}

// HandleProgress forwards worker progress toward the frontend.
func (c *Controller) HandleProgress(ctx context.Context, env envelope.Envelope) error {
	c.forward(ctx, env)
	return nil
}

// HandleStatusUpdate records handler-failure reports from other agents.
func (c *Controller) HandleStatusUpdate(ctx context.Context, env envelope.Envelope) error {
	var status messagequeue.StatusUpdatePayload
	if err := env.Decode(&status); err != nil {
		return fmt.Errorf("decode status update: %w", err)
	}
	c.log.Info("agent status", "from", env.Sender, "status", status.Status, "error", status.Error, "detail", status.Detail)
	c.forward(ctx, env)
	return nil
}

// HandleFeedback logs operator feedback and forwards it to the frontend.
func (c *Controller) HandleFeedback(ctx context.Context, env envelope.Envelope) error {
	var fb messagequeue.FeedbackPayload
	if err := env.Decode(&fb); err != nil {
		return fmt.Errorf("decode feedback: %w", err)
	}
	c.log.Info("feedback", "from", env.Sender, "text", fb.Text)
	return nil
}

// decide consults the oracle before any task has run. A malformed or
// unreachable oracle degrades to a clarification request, never a stall.
func (c *Controller) decide(ctx context.Context, project messagequeue.ProjectRef, origin, outcome string) error {
	decision, snapshot := c.consult(ctx, project, outcome)
	return c.act(ctx, project, origin, decision, snapshot)
}

// decideAfterTask consults the oracle once a task outcome exists. Here a
// malformed oracle reply degrades to project_completed: the work is done
// or failed, and looping on a broken oracle would assign tasks forever.
func (c *Controller) decideAfterTask(ctx context.Context, project messagequeue.ProjectRef, origin, outcome string) error {
	decision, snapshot, err := c.tryConsult(ctx, project, outcome)
	if err != nil {
		c.log.Warn("oracle unusable after task, closing project", "project", project.Name, "error", err)
		decision = oracle.Decision{
			Action: oracle.ActionProjectCompleted,
			Reason: "decision oracle unavailable after task completion",
		}
	}
	return c.act(ctx, project, origin, decision, snapshot)
}

func (c *Controller) consult(ctx context.Context, project messagequeue.ProjectRef, outcome string) (oracle.Decision, map[string][]string) {
	decision, snapshot, err := c.tryConsult(ctx, project, outcome)
	if err != nil {
		c.log.Warn("oracle unusable, requesting clarification", "project", project.Name, "error", err)
		decision = oracle.Decision{
			Action:         oracle.ActionClarification,
			Clarifications: []string{fallbackQuestion},
			Reason:         "decision oracle returned no usable answer",
		}
	}
	return decision, snapshot
}

func (c *Controller) tryConsult(ctx context.Context, project messagequeue.ProjectRef, outcome string) (oracle.Decision, map[string][]string, error) {
	snapshot, err := c.registry.ListAgents(ctx)
	if err != nil {
		c.log.Warn("registry snapshot failed, deciding without it", "error", err)
		snapshot = map[string][]string{}
	}

	prompt, err := c.buildPrompt(ctx, project, outcome, snapshot)
	if err != nil {
		return oracle.Decision{}, snapshot, err
	}
	decision, err := c.oracle.Decide(ctx, prompt)
	if err != nil {
		return oracle.Decision{}, snapshot, err
	}
	return decision, snapshot, nil
}

// act validates the decision against the registry snapshot and performs
// its side effects. An assign_task naming an unknown agent or a missing
// capability falls back to clarification instead of publishing into a
// queue nobody consumes.
func (c *Controller) act(ctx context.Context, project messagequeue.ProjectRef, origin string, decision oracle.Decision, snapshot map[string][]string) error {
	switch decision.Action {
	case oracle.ActionAssignTask:
		if reason, ok := c.checkAssignment(decision, snapshot); !ok {
			c.log.Warn("rejecting oracle assignment", "project", project.Name, "reason", reason)
			decision = oracle.Decision{
				Action:         oracle.ActionClarification,
				Clarifications: []string{fallbackQuestion},
				Reason:         reason,
			}
			return c.requestClarification(ctx, project, origin, decision)
		}
		return c.assignTask(ctx, project, decision)

	case oracle.ActionProjectCompleted:
		line := "project completed"
		if decision.Reason != "" {
			line += ": " + decision.Reason
		}
		c.appendStatus(ctx, project, line)
		c.notifyFrontend(ctx, messagequeue.StatusUpdatePayload{Status: "completed", Detail: decision.Reason})
		return nil

	default:
		if len(decision.Clarifications) == 0 {
			decision.Clarifications = []string{fallbackQuestion}
		}
		return c.requestClarification(ctx, project, origin, decision)
	}
}

func (c *Controller) checkAssignment(decision oracle.Decision, snapshot map[string][]string) (string, bool) {
	caps, ok := snapshot[decision.SelectedAgent]
	if decision.SelectedAgent == "" || !ok {
		return fmt.Sprintf("oracle selected unknown agent %q", decision.SelectedAgent), false
	}
	if decision.CapabilityRequired == "" {
		return "", true
	}
	for _, capability := range caps {
		if capability == decision.CapabilityRequired {
			return "", true
		}
	}
	return fmt.Sprintf("agent %q lacks capability %q", decision.SelectedAgent, decision.CapabilityRequired), false
}

func (c *Controller) assignTask(ctx context.Context, project messagequeue.ProjectRef, decision oracle.Decision) error {
	prompt := decision.TaskPrompt
	if prompt == "" {
		requirement, err := c.files.Read(ctx, path.Join(project.Folder, requirementsFile))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("read requirement for assignment: %w", err)
		}
		prompt = requirement
	}

	payload := messagequeue.TaskAssignmentPayload{
		Prompt:        prompt,
		Project:       project,
		AssignedBy:    c.rt.Name(),
		Reason:        decision.Reason,
		Validate:      true,
		Upload:        true,
		CommitMessage: "work on " + project.Name,
	}
	if err := c.rt.SendMessage(ctx, decision.SelectedAgent, envelope.TypeTaskAssignment, payload); err != nil {
		return fmt.Errorf("publish assignment to %s: %w", decision.SelectedAgent, err)
	}

	line := "task assigned to " + decision.SelectedAgent
	if decision.CapabilityRequired != "" {
		line += " (" + decision.CapabilityRequired + ")"
	}
	c.appendStatus(ctx, project, line)
	return nil
}

func (c *Controller) requestClarification(ctx context.Context, project messagequeue.ProjectRef, origin string, decision oracle.Decision) error {
	requirement, err := c.files.Read(ctx, path.Join(project.Folder, requirementsFile))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.log.Warn("could not read requirement for clarification", "error", err)
	}
	payload := messagequeue.ClarificationRequestPayload{
		Project:     project,
		Requirement: requirement,
		Questions:   decision.Clarifications,
		Reason:      decision.Reason,
	}
	if err := c.rt.SendMessage(ctx, origin, envelope.TypeClarificationRequest, payload); err != nil {
		return fmt.Errorf("publish clarification request to %s: %w", origin, err)
	}
	c.appendStatus(ctx, project, "clarification requested from "+origin)
	return nil
}

// buildPrompt assembles the oracle's context: the requirement, the status
// timeline so far, the latest outcome, and the live agent snapshot.
func (c *Controller) buildPrompt(ctx context.Context, project messagequeue.ProjectRef, outcome string, snapshot map[string][]string) (string, error) {
	requirement, err := c.files.Read(ctx, path.Join(project.Folder, requirementsFile))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("read requirement: %w", err)
	}
	statusLog, err := c.files.Read(ctx, path.Join(project.Folder, statusFile))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("read status log: %w", err)
	}

	agents, err := json.Marshal(sortedSnapshot(snapshot))
	if err != nil {
		return "", fmt.Errorf("marshal agent snapshot: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You coordinate a team of agents working on project %q.\n\n", project.Name)
	fmt.Fprintf(&b, "Requirement:\n%s\n\n", strings.TrimSpace(requirement))
	if strings.TrimSpace(statusLog) != "" {
		fmt.Fprintf(&b, "Status so far:\n%s\n\n", strings.TrimSpace(statusLog))
	}
	if outcome != "" {
		fmt.Fprintf(&b, "Latest outcome: %s\n\n", outcome)
	}
	fmt.Fprintf(&b, "Registered agents and their capabilities: %s\n\n", agents)
	b.WriteString("Answer with a single JSON object: " +
		`{"action":"clarification"|"assign_task"|"project_completed",` +
		`"selected_agent":...,"capability_required":...,"task_prompt":...,` +
		`"clarifications":[...],"reason":...}`)
	return b.String(), nil
}

// appendStatus adds one line to the project's status file and mirrors it
// into the timeline store when one is configured. Status writing is
// best-effort: a failure is logged, not propagated, so bookkeeping never
// blocks the workflow.
func (c *Controller) appendStatus(ctx context.Context, project messagequeue.ProjectRef, line string) {
	target := path.Join(project.Folder, statusFile)
	current, err := c.files.Read(ctx, target)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.log.Warn("could not read status log", "path", target, "error", err)
		current = ""
	}

	entry := fmt.Sprintf("- [%s] %s\n", c.now().UTC().Format(time.RFC3339), line)
	if err := c.files.Write(ctx, target, current+entry); err != nil {
		c.log.Warn("could not append status line", "path", target, "error", err)
	}

	if c.timeline != nil {
		if err := c.timeline.Append(ctx, project.Name, line, ""); err != nil {
			c.log.Warn("could not append timeline entry", "project", project.Name, "error", err)
		}
	}
}

// forward relays an envelope's payload to the frontend, preserving its
// type and progress.
func (c *Controller) forward(ctx context.Context, env envelope.Envelope) {
	if c.frontend == "" || env.Sender == c.frontend {
		return
	}
	out, err := envelope.New(c.rt.Name(), c.frontend, env.Type, nil)
	if err != nil {
		c.log.Warn("could not build forwarded envelope", "error", err)
		return
	}
	out.Payload = env.Payload
	out.Progress = env.Progress
	if err := c.rt.queue.Publish(ctx, messagequeue.QueueFor(c.frontend), out); err != nil {
		c.log.Warn("forward to frontend lost", "type", env.Type, "error", err)
	}
}

func (c *Controller) notifyFrontend(ctx context.Context, payload messagequeue.StatusUpdatePayload) {
	if c.frontend == "" {
		return
	}
	if err := c.rt.SendMessage(ctx, c.frontend, envelope.TypeStatusUpdate, payload); err != nil {
		c.log.Warn("frontend notification lost", "error", err)
	}
}

func (c *Controller) origin(env envelope.Envelope) string {
	if env.Sender != "" && env.Sender != c.rt.Name() {
		return env.Sender
	}
	return c.frontend
}

// normalizeProject fills derivable project fields so downstream code can
// rely on them.
func normalizeProject(p messagequeue.ProjectRef) messagequeue.ProjectRef {
	if p.Folder == "" {
		p.Folder = p.Name
	}
	if p.RepoName == "" {
		p.RepoName = p.Name
	}
	return p
}

func sortedSnapshot(snapshot map[string][]string) []string {
	entries := make([]string, 0, len(snapshot))
	for name, caps := range snapshot {
		entries = append(entries, name+"="+strings.Join(caps, ","))
	}
	sort.Strings(entries)
	return entries
}
