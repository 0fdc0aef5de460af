package messagequeue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentmesh/agentmesh/internal/domain/envelope"
)

func mustEnvelope(t *testing.T, typ envelope.Type, payload any) []byte {
	t.Helper()
	env, err := envelope.New("Controller", "Worker1", typ, payload)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	data := mustEnvelope(t, envelope.TypeTaskAssignment, TaskAssignmentPayload{
		Prompt:   "build a service",
		Project:  ProjectRef{Name: "p1", Folder: "uploads/p1"},
		Validate: true,
	})
	if err := Validate(QueueFor("Worker1"), data); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsNonJSON(t *testing.T) {
	if err := Validate("agents.inbox.Worker1", []byte("not-json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestValidateRejectsMissingMessageID(t *testing.T) {
	if err := Validate("agents.inbox.Worker1", []byte(`{"type":"feedback","payload":{}}`)); err == nil {
		t.Error("expected error for missing message_id")
	}
}

func TestValidateRejectsMismatchedPayload(t *testing.T) {
	// A progress payload whose attempt field carries the wrong type.
	raw := `{"message_id":"m1","sender":"a","receiver":"b","timestamp":"2026-01-02T03:04:05Z","type":"progress-update","payload":{"stage":"generating","attempt":"three"}}`
	if err := Validate("agents.inbox.b", []byte(raw)); err == nil {
		t.Error("expected schema error for wrong field type")
	}
}

func TestValidateAllowsUnknownType(t *testing.T) {
	raw := `{"message_id":"m1","sender":"a","receiver":"b","timestamp":"2026-01-02T03:04:05Z","type":"gossip","payload":{"anything":true}}`
	if err := Validate("agents.inbox.b", []byte(raw)); err != nil {
		t.Errorf("unknown type should pass, got %v", err)
	}
}

func TestQueueForSanitizesNames(t *testing.T) {
	if got := QueueFor("Worker1"); got != "agents.inbox.Worker1" {
		t.Errorf("QueueFor = %q", got)
	}
	got := QueueFor("bad name.with>tokens")
	if strings.ContainsAny(strings.TrimPrefix(got, InboxPrefix), " .>*") {
		t.Errorf("queue name not sanitized: %q", got)
	}
}

func TestProjectRefCarriesUnknownKeys(t *testing.T) {
	in := []byte(`{"project_name":"p1","file_server_folder":"uploads/p1","repo_name":"p1","requirements_md":"do things","custom":{"a":1}}`)

	var ref ProjectRef
	if err := json.Unmarshal(in, &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.Name != "p1" || ref.Folder != "uploads/p1" {
		t.Errorf("known keys lost: %+v", ref)
	}

	out, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if _, ok := m["requirements_md"]; !ok {
		t.Error("unknown key requirements_md dropped on round trip")
	}
	if _, ok := m["custom"]; !ok {
		t.Error("unknown key custom dropped on round trip")
	}
}
