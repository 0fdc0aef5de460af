package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentmesh/agentmesh/internal/domain/envelope"
	"github.com/agentmesh/agentmesh/internal/port/messagequeue"
)

type workerHarness struct {
	worker *Worker
	queue  *fakeQueue
	files  *memFiles
	git    *fakeGit
}

func newWorkerHarness(t *testing.T, deps WorkerDeps) *workerHarness {
	t.Helper()
	h := &workerHarness{queue: newFakeQueue(), files: newMemFiles(), git: &fakeGit{}}
	deps.Files = h.files
	deps.Git = h.git
	deps.Log = testLogger()
	h.worker = NewWorker(deps)

	rt := New(testAgentConfig("DeveloperAgent"), newFakeRegistry(), h.queue, h.worker.Handlers("builder"), testLogger())
	h.worker.Bind(rt)
	return h
}

func assignment(t *testing.T, task messagequeue.TaskAssignmentPayload) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("ManagerAgent", "DeveloperAgent", envelope.TypeTaskAssignment, task)
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	return env
}

func TestTaskAssignmentSuccess(t *testing.T) {
	h := newWorkerHarness(t, WorkerDeps{
		Generate: func(ctx context.Context, prompt string, prior map[string]string, lastError string) (map[string]string, error) {
			return map[string]string{"main.py": "print('hi')", "util.py": "pass"}, nil
		},
		Validate:    func(ctx context.Context, artifact map[string]string) error { return nil },
		MaxAttempts: 5,
	})

	task := messagequeue.TaskAssignmentPayload{
		Prompt:        "build a todo app",
		Project:       messagequeue.ProjectRef{Name: "todo", Folder: "todo", RepoName: "todo"},
		AssignedBy:    "ManagerAgent",
		Validate:      true,
		Upload:        true,
		CommitMessage: "initial version",
	}
	if err := h.worker.HandleTaskAssignment(context.Background(), assignment(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, ok := h.files.get("todo/main.py"); !ok {
		t.Error("main.py not stored")
	}
	if _, ok := h.files.get("todo/util.py"); !ok {
		t.Error("util.py not stored")
	}
	if len(h.git.commits) != 1 {
		t.Errorf("commits = %v, want 1", h.git.commits)
	}

	results := h.queue.sentOfType(messagequeue.QueueFor("ManagerAgent"), envelope.TypeTaskExecutionResult)
	if len(results) != 1 {
		t.Fatalf("results = %d, want exactly 1", len(results))
	}
	var res messagequeue.TaskExecutionResultPayload
	if err := results[0].Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "success" || res.Attempts != 1 || res.GitCommit != "deadbeef" {
		t.Errorf("result = %+v", res)
	}
	if len(res.GeneratedFiles) != 2 || res.GeneratedFiles[0] != "main.py" {
		t.Errorf("generated files = %v", res.GeneratedFiles)
	}
}

// A stored artifact whose upload fails is still a successful task; the
// commit failure travels in its own field.
func TestTaskAssignmentCommitFailureKeepsSuccess(t *testing.T) {
	h := newWorkerHarness(t, WorkerDeps{
		Generate: func(ctx context.Context, prompt string, prior map[string]string, lastError string) (map[string]string, error) {
			return map[string]string{"main.py": "print('hi')"}, nil
		},
		MaxAttempts: 5,
	})
	h.git.failCommit = errors.New("remote rejected")

	task := messagequeue.TaskAssignmentPayload{
		Prompt:  "build",
		Project: messagequeue.ProjectRef{Name: "todo", Folder: "todo", RepoName: "todo"},
		Upload:  true,
	}
	if err := h.worker.HandleTaskAssignment(context.Background(), assignment(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, ok := h.files.get("todo/main.py"); !ok {
		t.Error("main.py not stored")
	}
	results := h.queue.sentOfType(messagequeue.QueueFor("ManagerAgent"), envelope.TypeTaskExecutionResult)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	var res messagequeue.TaskExecutionResultPayload
	if err := results[0].Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("status = %q, want success", res.Status)
	}
	if res.LastError != "" {
		t.Errorf("last_error = %q, want empty on success", res.LastError)
	}
	if !strings.Contains(res.CommitError, "remote rejected") {
		t.Errorf("commit_error = %q, want the commit failure", res.CommitError)
	}
	if res.GitCommit != "" {
		t.Errorf("git_commit = %q, want empty", res.GitCommit)
	}
}

func TestTaskAssignmentFailureAfterAllAttempts(t *testing.T) {
	generations := 0
	h := newWorkerHarness(t, WorkerDeps{
		Generate: func(ctx context.Context, prompt string, prior map[string]string, lastError string) (map[string]string, error) {
			generations++
			return map[string]string{"main.py": "broken"}, nil
		},
		Validate: func(ctx context.Context, artifact map[string]string) error {
			return errors.New("syntax error")
		},
		MaxAttempts: 3,
	})

	task := messagequeue.TaskAssignmentPayload{
		Prompt:   "build it",
		Project:  messagequeue.ProjectRef{Name: "p", Folder: "p"},
		Validate: true,
	}
	if err := h.worker.HandleTaskAssignment(context.Background(), assignment(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if generations != 3 {
		t.Errorf("generations = %d, want 3", generations)
	}

	results := h.queue.sentOfType(messagequeue.QueueFor("ManagerAgent"), envelope.TypeTaskExecutionResult)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	var res messagequeue.TaskExecutionResultPayload
	results[0].Decode(&res)
	if res.Status != "failure" || res.Attempts != 3 || res.LastError != "syntax error" {
		t.Errorf("result = %+v", res)
	}
	// Nothing committed or stored on failure.
	if len(h.git.commits) != 0 {
		t.Errorf("commits = %v", h.git.commits)
	}
	if _, ok := h.files.get("p/main.py"); ok {
		t.Error("failed artifact must not be stored")
	}
}

func TestTaskAssignmentEmitsProgress(t *testing.T) {
	h := newWorkerHarness(t, WorkerDeps{
		Generate: func(ctx context.Context, prompt string, prior map[string]string, lastError string) (map[string]string, error) {
			return map[string]string{"main.py": "ok"}, nil
		},
		Validate:    func(ctx context.Context, artifact map[string]string) error { return nil },
		MaxAttempts: 5,
	})

	task := messagequeue.TaskAssignmentPayload{
		Prompt:   "go",
		Project:  messagequeue.ProjectRef{Name: "p", Folder: "p"},
		Validate: true,
	}
	if err := h.worker.HandleTaskAssignment(context.Background(), assignment(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	updates := h.queue.sentOfType(messagequeue.QueueFor("ManagerAgent"), envelope.TypeProgressUpdate)
	if len(updates) != 3 {
		t.Fatalf("progress updates = %d, want 3 (generating, generated, validated)", len(updates))
	}
	wantStages := []string{StageGenerating, StageGenerated, StageValidated}
	for i, env := range updates {
		var p messagequeue.ProgressUpdatePayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("decode update %d: %v", i, err)
		}
		if p.Stage != wantStages[i] {
			t.Errorf("update %d stage = %q, want %q", i, p.Stage, wantStages[i])
		}
		if p.Attempt != 1 || p.MaxAttempts != 5 {
			t.Errorf("update %d attempt = %d/%d", i, p.Attempt, p.MaxAttempts)
		}
		if env.Progress == nil || *env.Progress != 0.2 {
			t.Errorf("update %d progress = %v, want 0.2", i, env.Progress)
		}
	}

	lines := h.files.statusLines("p/status.md")
	if len(lines) != 2 {
		t.Fatalf("status lines = %d, want 2 (attempt note, final note): %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "attempt 1/5") {
		t.Errorf("first status line = %q, want attempt note", lines[0])
	}
	if !strings.Contains(lines[1], "finished with success") {
		t.Errorf("second status line = %q, want final note", lines[1])
	}
}

func TestTaskAssignmentSkipsValidationWhenDisabled(t *testing.T) {
	validated := false
	h := newWorkerHarness(t, WorkerDeps{
		Generate: func(ctx context.Context, prompt string, prior map[string]string, lastError string) (map[string]string, error) {
			return map[string]string{"main.py": "ok"}, nil
		},
		Validate: func(ctx context.Context, artifact map[string]string) error {
			validated = true
			return errors.New("would fail")
		},
		MaxAttempts: 5,
	})

	task := messagequeue.TaskAssignmentPayload{
		Prompt:  "go",
		Project: messagequeue.ProjectRef{Name: "p", Folder: "p"},
		// Validate left false.
	}
	if err := h.worker.HandleTaskAssignment(context.Background(), assignment(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if validated {
		t.Error("validator ran although the assignment disabled validation")
	}
	results := h.queue.sentOfType(messagequeue.QueueFor("ManagerAgent"), envelope.TypeTaskExecutionResult)
	var res messagequeue.TaskExecutionResultPayload
	results[0].Decode(&res)
	if res.Status != "success" {
		t.Errorf("status = %q", res.Status)
	}
}

func TestTestRequest(t *testing.T) {
	h := newWorkerHarness(t, WorkerDeps{
		RunTests: func(ctx context.Context, project messagequeue.ProjectRef, testFolder string) (string, string, error) {
			return "3 passed", "", nil
		},
	})

	req := messagequeue.TestRequestPayload{
		Project:     messagequeue.ProjectRef{Name: "p", Folder: "p"},
		ResultsFile: "results.txt",
	}
	env, _ := envelope.New("ManagerAgent", "DeveloperAgent", envelope.TypeTestRequest, req)
	if err := h.worker.HandleTestRequest(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	results := h.queue.sentOfType(messagequeue.QueueFor("ManagerAgent"), envelope.TypeTestResult)
	if len(results) != 1 {
		t.Fatalf("test results = %d, want 1", len(results))
	}
	var res messagequeue.TestResultPayload
	results[0].Decode(&res)
	if !res.Success || res.Stdout != "3 passed" {
		t.Errorf("result = %+v", res)
	}
	if _, ok := h.files.get("p/results.txt"); !ok {
		t.Error("results file not stored")
	}
}

func TestTestRequestFailure(t *testing.T) {
	h := newWorkerHarness(t, WorkerDeps{
		RunTests: func(ctx context.Context, project messagequeue.ProjectRef, testFolder string) (string, string, error) {
			return "", "assertion failed", errors.New("exit 1")
		},
	})

	env, _ := envelope.New("ManagerAgent", "DeveloperAgent", envelope.TypeTestRequest,
		messagequeue.TestRequestPayload{Project: messagequeue.ProjectRef{Name: "p"}})
	if err := h.worker.HandleTestRequest(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	results := h.queue.sentOfType(messagequeue.QueueFor("ManagerAgent"), envelope.TypeTestResult)
	var res messagequeue.TestResultPayload
	results[0].Decode(&res)
	if res.Success || res.Stderr != "assertion failed" {
		t.Errorf("result = %+v", res)
	}
}

func TestHandlersByRole(t *testing.T) {
	w := NewWorker(WorkerDeps{Log: testLogger()})

	builder := w.Handlers("builder")
	if _, ok := builder[envelope.TypeTaskAssignment]; !ok {
		t.Error("builder missing task-assignment handler")
	}
	if _, ok := builder[envelope.TypeTestRequest]; ok {
		t.Error("builder must not handle test-request")
	}

	tester := w.Handlers("tester")
	if _, ok := tester[envelope.TypeTestRequest]; !ok {
		t.Error("tester missing test-request handler")
	}
	if _, ok := tester[envelope.TypeTaskAssignment]; ok {
		t.Error("tester must not handle task-assignment")
	}
}
