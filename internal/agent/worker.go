package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/domain/envelope"
	"github.com/agentmesh/agentmesh/internal/port/filestore"
	"github.com/agentmesh/agentmesh/internal/port/gitclient"
	"github.com/agentmesh/agentmesh/internal/port/messagequeue"
)

// TaskMetrics receives task-level events. A nil implementation is allowed.
type TaskMetrics interface {
	TaskAttempt(ctx context.Context, agent string)
	TaskFinished(ctx context.Context, agent, status string)
}

// TestRunner executes the tests of a project and reports combined output.
type TestRunner func(ctx context.Context, project messagequeue.ProjectRef, testFolder string) (stdout, stderr string, err error)

// Worker handles the task-facing message types. A builder worker turns
// task assignments into committed artifacts through the retry engine; a
// tester worker answers test requests.
type Worker struct {
	rt          *Runtime
	files       filestore.Store
	git         gitclient.Client
	generate    Generator
	validate    Validator
	runTests    TestRunner
	maxAttempts int
	metrics     TaskMetrics
	log         *slog.Logger
}

// WorkerDeps bundles the collaborators of a Worker. Generate is required
// for builders; RunTests for testers. Validate, Git and Metrics are
// optional.
type WorkerDeps struct {
	Files       filestore.Store
	Git         gitclient.Client
	Generate    Generator
	Validate    Validator
	RunTests    TestRunner
	MaxAttempts int
	Metrics     TaskMetrics
	Log         *slog.Logger
}

// NewWorker creates a worker. Bind must be called with the runtime before
// messages flow.
func NewWorker(deps WorkerDeps) *Worker {
	if deps.MaxAttempts < 1 {
		deps.MaxAttempts = MaxAttempts
	}
	return &Worker{
		files:       deps.Files,
		git:         deps.Git,
		generate:    deps.Generate,
		validate:    deps.Validate,
		runTests:    deps.RunTests,
		maxAttempts: deps.MaxAttempts,
		metrics:     deps.Metrics,
		log:         deps.Log,
	}
}

// Bind attaches the runtime the worker replies through.
func (w *Worker) Bind(rt *Runtime) { w.rt = rt }

// Handlers returns the dispatch table for this worker's role. Builders
// get task-assignment; testers get test-request; both kinds receive
// clarifying traffic they only log.
func (w *Worker) Handlers(role string) map[envelope.Type]messagequeue.Handler {
	h := map[envelope.Type]messagequeue.Handler{
		envelope.TypeStatusUpdate: w.handleStatusUpdate,
		envelope.TypeFeedback:     w.handleFeedback,
	}
	switch role {
	case "tester":
		h[envelope.TypeTestRequest] = w.HandleTestRequest
	default:
		h[envelope.TypeTaskAssignment] = w.HandleTaskAssignment
	}
	return h
}

// HandleTaskAssignment runs the full retry loop for one assignment and
// publishes exactly one terminal task-execution-result to the assigner.
func (w *Worker) HandleTaskAssignment(ctx context.Context, env envelope.Envelope) error {
	var task messagequeue.TaskAssignmentPayload
	if err := env.Decode(&task); err != nil {
		return fmt.Errorf("decode task assignment: %w", err)
	}

	replyTo := task.AssignedBy
	if replyTo == "" {
		replyTo = env.Sender
	}

	w.log.Info("task assigned",
		"project", task.Project.Name, "assigned_by", replyTo, "validate", task.Validate)

	progress := func(ctx context.Context, stage string, attempt, maxAttempts int, detail string) {
		if stage == StageGenerating {
			if w.metrics != nil {
				w.metrics.TaskAttempt(ctx, w.rt.Name())
			}
			note := fmt.Sprintf("%s working on attempt %d/%d", w.rt.Name(), attempt, maxAttempts)
			if detail != "" {
				note += ": " + detail
			}
			w.noteStatus(ctx, task.Project, note)
		}
		payload := messagequeue.ProgressUpdatePayload{
			Stage:       stage,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Detail:      detail,
			Project:     task.Project,
		}
		frac := float64(attempt) / float64(maxAttempts)
		if err := w.rt.SendProgress(ctx, replyTo, payload, frac); err != nil {
			w.log.Warn("progress update lost", "stage", stage, "attempt", attempt, "error", err)
		}
	}

	var validate Validator
	if task.Validate {
		validate = w.validate
	}
	engine := NewRetryEngine(w.maxAttempts, w.generate, validate, progress)
	res := engine.Run(ctx, task.Prompt, task.PreviousArtifact)

	result := messagequeue.TaskExecutionResultPayload{
		Project:  task.Project,
		Attempts: res.Attempts,
	}
	if res.Success {
		result.Status = "success"
		result.GeneratedFiles = sortedPaths(res.Artifact)

		if err := w.storeArtifact(ctx, task.Project, res.Artifact); err != nil {
			result.Status = "failure"
			result.LastError = err.Error()
		} else if task.Upload && w.git != nil {
			commit, err := w.commitArtifact(ctx, task, res.Artifact)
			if err != nil {
				w.log.Warn("commit failed", "project", task.Project.Name, "error", err)
				result.CommitError = err.Error()
				w.noteStatus(ctx, task.Project, fmt.Sprintf("%s stored artifact but commit failed: %v", w.rt.Name(), err))
			} else {
				result.GitCommit = commit
			}
		}
	} else {
		result.Status = "failure"
		result.LastError = res.LastError
	}

	if w.metrics != nil {
		w.metrics.TaskFinished(ctx, w.rt.Name(), result.Status)
	}
	w.noteStatus(ctx, task.Project,
		fmt.Sprintf("%s finished with %s after %d attempts", w.rt.Name(), result.Status, res.Attempts))
	w.log.Info("task finished",
		"project", task.Project.Name, "status", result.Status, "attempts", res.Attempts)

	return w.rt.SendMessage(ctx, replyTo, envelope.TypeTaskExecutionResult, result)
}

// HandleTestRequest runs the project's tests and replies with a
// test-result envelope.
func (w *Worker) HandleTestRequest(ctx context.Context, env envelope.Envelope) error {
	var req messagequeue.TestRequestPayload
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode test request: %w", err)
	}
	if w.runTests == nil {
		return fmt.Errorf("no test runner configured")
	}

	stdout, stderr, err := w.runTests(ctx, req.Project, req.TestFolder)
	result := messagequeue.TestResultPayload{
		Success: err == nil,
		Project: req.Project,
		Stdout:  stdout,
		Stderr:  stderr,
	}
	if err != nil && stderr == "" {
		result.Stderr = err.Error()
	}

	if req.ResultsFile != "" && w.files != nil {
		content := "stdout:\n" + stdout + "\nstderr:\n" + result.Stderr + "\n"
		target := path.Join(req.Project.Folder, req.ResultsFile)
		if werr := w.files.Write(ctx, target, content); werr != nil {
			w.log.Warn("could not store test results", "path", target, "error", werr)
		}
	}

	w.log.Info("test run finished", "project", req.Project.Name, "success", result.Success)
	return w.rt.SendMessage(ctx, env.Sender, envelope.TypeTestResult, result)
}

func (w *Worker) handleStatusUpdate(ctx context.Context, env envelope.Envelope) error {
	var status messagequeue.StatusUpdatePayload
	if err := env.Decode(&status); err != nil {
		return fmt.Errorf("decode status update: %w", err)
	}
	w.log.Info("status update received", "from", env.Sender, "status", status.Status, "detail", status.Detail)
	return nil
}

func (w *Worker) handleFeedback(ctx context.Context, env envelope.Envelope) error {
	var fb messagequeue.FeedbackPayload
	if err := env.Decode(&fb); err != nil {
		return fmt.Errorf("decode feedback: %w", err)
	}
	w.log.Info("feedback received", "from", env.Sender, "text", fb.Text)
	return nil
}

// noteStatus appends a progress line to the project's status log. Losing
// a note never fails the task.
func (w *Worker) noteStatus(ctx context.Context, project messagequeue.ProjectRef, line string) {
	if w.files == nil || project.Folder == "" {
		return
	}
	target := path.Join(project.Folder, statusFile)
	current, err := w.files.Read(ctx, target)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		w.log.Warn("could not read status log", "path", target, "error", err)
		current = ""
	}
	entry := fmt.Sprintf("- [%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
	if err := w.files.Write(ctx, target, current+entry); err != nil {
		w.log.Warn("could not append status line", "path", target, "error", err)
	}
}

func (w *Worker) storeArtifact(ctx context.Context, project messagequeue.ProjectRef, artifact map[string]string) error {
	for _, p := range sortedPaths(artifact) {
		target := path.Join(project.Folder, p)
		if err := w.files.Write(ctx, target, artifact[p]); err != nil {
			return fmt.Errorf("store %s: %w", target, err)
		}
	}
	return nil
}

func (w *Worker) commitArtifact(ctx context.Context, task messagequeue.TaskAssignmentPayload, artifact map[string]string) (string, error) {
	repo := task.Project.RepoName
	if repo == "" {
		repo = task.Project.Name
	}
	message := task.CommitMessage
	if message == "" {
		message = "update " + task.Project.Name
	}
	commit, err := w.git.Commit(ctx, repo, message, artifact)
	if err != nil {
		return "", fmt.Errorf("commit to %s: %w", repo, err)
	}
	return commit, nil
}

func sortedPaths(artifact map[string]string) []string {
	paths := make([]string, 0, len(artifact))
	for p := range artifact {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
