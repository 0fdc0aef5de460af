// Package oracle defines the decision port backing the controller loop.
package oracle

import "context"

// Action enumerates the decisions the oracle may return.
type Action string

const (
	ActionClarification    Action = "clarification"
	ActionAssignTask       Action = "assign_task"
	ActionProjectCompleted Action = "project_completed"
)

// Decision is the structured outcome of a Decide call. Only the fields
// relevant to the chosen Action are populated.
type Decision struct {
	Action             Action   `json:"action"`
	SelectedAgent      string   `json:"selected_agent,omitempty"`
	CapabilityRequired string   `json:"capability_required,omitempty"`
	TaskPrompt         string   `json:"task_prompt,omitempty"`
	Clarifications     []string `json:"clarifications,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// Oracle turns a controller prompt into a Decision.
type Oracle interface {
	Decide(ctx context.Context, prompt string) (Decision, error)
}
