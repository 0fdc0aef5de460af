package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/port/oracle"
	"github.com/agentmesh/agentmesh/internal/resilience"
)

func chatServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return New(srv.URL, "test-model", "", 2*time.Second, resilience.NewBreaker("oracle", 3, time.Minute))
}

func TestDecideParsesCleanJSON(t *testing.T) {
	srv := chatServer(t, `{"action":"assign_task","selected_agent":"DeveloperAgent","capability_required":"generate_code","task_prompt":"build it"}`)
	c := newTestClient(srv)

	d, err := c.Decide(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != oracle.ActionAssignTask {
		t.Errorf("action = %q", d.Action)
	}
	if d.SelectedAgent != "DeveloperAgent" || d.CapabilityRequired != "generate_code" {
		t.Errorf("decision = %+v", d)
	}
}

func TestDecideStripsProseAndFences(t *testing.T) {
	reply := "Sure! Here is my decision:\n```json\n{\"action\":\"project_completed\",\"reason\":\"all done\"}\n```\nLet me know if you need anything else."
	srv := chatServer(t, reply)
	c := newTestClient(srv)

	d, err := c.Decide(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != oracle.ActionProjectCompleted || d.Reason != "all done" {
		t.Errorf("decision = %+v", d)
	}
}

func TestDecideMalformedReply(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"no json", "I cannot decide right now."},
		{"broken json", `{"action": "assign_task", `},
		{"unknown action", `{"action":"reboot_universe"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := chatServer(t, tc.reply)
			c := newTestClient(srv)

			_, err := c.Decide(context.Background(), "prompt")
			if !errors.Is(err, ErrMalformedDecision) {
				t.Fatalf("got %v, want ErrMalformedDecision", err)
			}
		})
	}
}

func TestDecideServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := newTestClient(srv)

	_, err := c.Decide(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrMalformedDecision) {
		t.Fatal("transport failure must not look like a malformed decision")
	}
}

func TestExtractDecisionClarifications(t *testing.T) {
	d, err := ExtractDecision(`{"action":"clarification","clarifications":["What database?","Which framework?"]}`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(d.Clarifications) != 2 {
		t.Errorf("clarifications = %v", d.Clarifications)
	}
}
