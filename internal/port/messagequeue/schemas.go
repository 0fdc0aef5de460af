package messagequeue

import "encoding/json"

// ProjectRef identifies the unit of work an envelope concerns. The core
// forwards it between envelopes without interpreting it beyond these keys;
// unknown keys ride along in Extra.
type ProjectRef struct {
	Name     string `json:"project_name,omitempty"`
	Folder   string `json:"file_server_folder,omitempty"`
	RepoName string `json:"repo_name,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// refAlias avoids recursion in the custom (un)marshalers below.
type refAlias ProjectRef

// UnmarshalJSON keeps unknown project keys so the config passes through the
// core unmodified.
func (p *ProjectRef) UnmarshalJSON(data []byte) error {
	var a refAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "project_name")
	delete(all, "file_server_folder")
	delete(all, "repo_name")
	if len(all) > 0 {
		a.Extra = all
	}

	*p = ProjectRef(a)
	return nil
}

// MarshalJSON re-emits known and carried-through keys together.
func (p ProjectRef) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Name != "" {
		out["project_name"] = mustRaw(p.Name)
	}
	if p.Folder != "" {
		out["file_server_folder"] = mustRaw(p.Folder)
	}
	if p.RepoName != "" {
		out["repo_name"] = mustRaw(p.RepoName)
	}
	return json.Marshal(out)
}

func mustRaw(s string) json.RawMessage {
	b, _ := json.Marshal(s) // string marshal cannot fail
	return b
}

// TaskAssignmentPayload is the payload for task-assignment envelopes.
type TaskAssignmentPayload struct {
	Prompt           string            `json:"prompt"`
	Project          ProjectRef        `json:"project_config"`
	AssignedBy       string            `json:"assigned_by,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	PreviousArtifact map[string]string `json:"previous_artifact,omitempty"`
	Validate         bool              `json:"validate"`
	CommitMessage    string            `json:"commit_message,omitempty"`
	Upload           bool              `json:"upload"`
}

// TaskExecutionResultPayload is the payload for task-execution-result envelopes.
type TaskExecutionResultPayload struct {
	Status         string     `json:"status"` // "success" | "failure"
	Project        ProjectRef `json:"project_config"`
	GeneratedFiles []string   `json:"generated_files,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	GitCommit      string     `json:"git_commit,omitempty"`
	// CommitError reports a failed upload of an otherwise successful
	// artifact; LastError stays reserved for task failures.
	CommitError string `json:"commit_error,omitempty"`
}

// ProgressUpdatePayload is the payload for progress-update envelopes.
// Stage distinguishes the sub-phase within one attempt.
type ProgressUpdatePayload struct {
	Stage       string     `json:"stage"` // "generating" | "generated" | "validated"
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Detail      string     `json:"detail,omitempty"`
	Project     ProjectRef `json:"project_config,omitempty"`
}

// StatusUpdatePayload is the payload for status-update envelopes, including
// the error reports emitted when a handler fails.
type StatusUpdatePayload struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// TestRequestPayload is the payload for test-request envelopes.
type TestRequestPayload struct {
	Project     ProjectRef `json:"project_config"`
	TestFolder  string     `json:"test_folder,omitempty"`
	ResultsFile string     `json:"test_results_file,omitempty"`
}

// TestResultPayload is the payload for test-result envelopes.
type TestResultPayload struct {
	Success bool       `json:"success"`
	Project ProjectRef `json:"project_config"`
	Stdout  string     `json:"stdout,omitempty"`
	Stderr  string     `json:"stderr,omitempty"`
}

// ClarificationRequestPayload is the payload for clarification-request envelopes.
type ClarificationRequestPayload struct {
	Project     ProjectRef `json:"project_config"`
	Requirement string     `json:"requirement"`
	Questions   []string   `json:"clarifications"`
	Reason      string     `json:"reason,omitempty"`
}

// ClarificationResponsePayload is the payload for clarification-response envelopes.
type ClarificationResponsePayload struct {
	Project       ProjectRef `json:"project_config"`
	Requirement   string     `json:"requirement"`
	Clarification string     `json:"clarification"`
}

// RequirementPayload is the payload for new-requirement and
// update-requirement envelopes.
type RequirementPayload struct {
	Requirement string     `json:"requirement"`
	Project     ProjectRef `json:"project_config,omitempty"`
}

// FeedbackPayload is the payload for feedback envelopes.
type FeedbackPayload struct {
	Text string `json:"text"`
}
