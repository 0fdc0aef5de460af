package messagequeue

import (
	"encoding/json"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/domain/envelope"
)

// Validate checks whether data is a well-formed envelope whose payload
// parses against the schema for its type tag. Unknown type tags pass
// validation: they flow to the receiver's default handler instead of being
// rejected at the transport.
func Validate(queue string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on queue %s", queue)
	}

	env, err := envelope.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("queue %s: %w", queue, err)
	}
	if env.MessageID == "" {
		return fmt.Errorf("queue %s: envelope missing message_id", queue)
	}

	var target any
	switch env.Type {
	case envelope.TypeTaskAssignment:
		target = &TaskAssignmentPayload{}
	case envelope.TypeTaskExecutionResult:
		target = &TaskExecutionResultPayload{}
	case envelope.TypeProgressUpdate:
		target = &ProgressUpdatePayload{}
	case envelope.TypeStatusUpdate:
		target = &StatusUpdatePayload{}
	case envelope.TypeTestRequest:
		target = &TestRequestPayload{}
	case envelope.TypeTestResult:
		target = &TestResultPayload{}
	case envelope.TypeClarificationRequest:
		target = &ClarificationRequestPayload{}
	case envelope.TypeClarificationResponse:
		target = &ClarificationResponsePayload{}
	case envelope.TypeNewRequirement, envelope.TypeUpdateRequirement:
		target = &RequirementPayload{}
	case envelope.TypeFeedback:
		target = &FeedbackPayload{}
	default:
		return nil
	}

	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return fmt.Errorf("schema validation failed for %s on %s: %w", env.Type, queue, err)
	}
	return nil
}
