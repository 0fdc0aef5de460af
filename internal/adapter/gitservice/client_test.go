package gitservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/resilience"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2*time.Second, resilience.NewBreaker("git", 3, time.Minute))
}

func TestInit(t *testing.T) {
	var gotRepo string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/init" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			RepoName string `json:"repo_name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotRepo = req.RepoName
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Init(context.Background(), "todo-app"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if gotRepo != "todo-app" {
		t.Errorf("repo_name = %q", gotRepo)
	}
}

func TestCommit(t *testing.T) {
	var got struct {
		RepoName      string            `json:"repo_name"`
		CommitMessage string            `json:"commit_message"`
		FileChanges   map[string]string `json:"file_changes"`
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/commit" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"commit": "abc123"})
	}))

	commit, err := c.Commit(context.Background(), "todo-app", "add main", map[string]string{"main.py": "pass"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commit != "abc123" {
		t.Errorf("commit = %q", commit)
	}
	if got.RepoName != "todo-app" || got.CommitMessage != "add main" || got.FileChanges["main.py"] != "pass" {
		t.Errorf("request = %+v", got)
	}
}

func TestCommitServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "repo locked", http.StatusConflict)
	}))

	_, err := c.Commit(context.Background(), "todo-app", "msg", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestBreakerOpens(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	c.breaker = resilience.NewBreaker("git", 1, time.Minute)

	c.Init(context.Background(), "r")
	err := c.Init(context.Background(), "r")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}
}
