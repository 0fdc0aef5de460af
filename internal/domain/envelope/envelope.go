// Package envelope defines the typed message unit exchanged between agents.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of message type tags.
// The tag determines the payload shape; receivers must tolerate unknown
// payload keys.
type Type string

const (
	TypeTaskAssignment        Type = "task-assignment"
	TypeTaskExecutionResult   Type = "task-execution-result"
	TypeProgressUpdate        Type = "progress-update"
	TypeStatusUpdate          Type = "status-update"
	TypeTestRequest           Type = "test-request"
	TypeTestResult            Type = "test-result"
	TypeClarificationRequest  Type = "clarification-request"
	TypeClarificationResponse Type = "clarification-response"
	TypeFeedback              Type = "feedback"
	TypeNewRequirement        Type = "new-requirement"
	TypeUpdateRequirement     Type = "update-requirement"
)

// Known reports whether t is one of the defined message types.
func Known(t Type) bool {
	switch t {
	case TypeTaskAssignment, TypeTaskExecutionResult, TypeProgressUpdate,
		TypeStatusUpdate, TypeTestRequest, TypeTestResult,
		TypeClarificationRequest, TypeClarificationResponse, TypeFeedback,
		TypeNewRequirement, TypeUpdateRequirement:
		return true
	}
	return false
}

// Envelope is the wire unit of the agent messaging protocol.
// Immutable once published. Progress is present only on progress updates.
type Envelope struct {
	MessageID string          `json:"message_id"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Progress  *float64        `json:"progress,omitempty"`
}

// New builds an envelope with a fresh time-ordered message ID and the
// current UTC timestamp. The payload is marshaled to JSON.
func New(sender, receiver string, typ Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("message id: %w", err)
	}

	return Envelope{
		MessageID: id.String(),
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   raw,
	}, nil
}

// WithProgress returns a copy of e carrying the given progress fraction.
// Progress must be in [0, 1].
func (e Envelope) WithProgress(p float64) Envelope {
	e.Progress = &p
	return e
}

// Decode unmarshals the payload into dst. Unknown payload keys are ignored,
// so receivers stay forward compatible with richer senders.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal serializes the envelope for publishing.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses an envelope off the wire.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}
