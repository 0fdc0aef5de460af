package fileserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/resilience"
)

type fakeFileService struct {
	reads atomic.Int64
	files map[string]string
}

func (f *fakeFileService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /read_file", func(w http.ResponseWriter, r *http.Request) {
		f.reads.Add(1)
		content, ok := f.files[r.URL.Query().Get("path")]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"content": content})
	})
	mux.HandleFunc("POST /write_file", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.files[req.Path] = req.Content
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T, svc *fakeFileService) *Client {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, 2*time.Second, resilience.NewBreaker("files", 3, time.Minute), 1<<20, time.Minute)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestReadAndWrite(t *testing.T) {
	svc := &fakeFileService{files: map[string]string{}}
	c := newTestClient(t, svc)
	ctx := context.Background()

	if err := c.Write(ctx, "proj/main.py", "print('hi')"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.Read(ctx, "proj/main.py")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "print('hi')" {
		t.Errorf("content = %q", got)
	}
}

func TestReadNotFound(t *testing.T) {
	svc := &fakeFileService{files: map[string]string{}}
	c := newTestClient(t, svc)

	_, err := c.Read(context.Background(), "missing.txt")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReadServesSecondHitFromCache(t *testing.T) {
	svc := &fakeFileService{files: map[string]string{"a.txt": "one"}}
	c := newTestClient(t, svc)
	ctx := context.Background()

	if _, err := c.Read(ctx, "a.txt"); err != nil {
		t.Fatalf("first read: %v", err)
	}
	c.cache.Wait()

	if _, err := c.Read(ctx, "a.txt"); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if n := svc.reads.Load(); n != 1 {
		t.Errorf("backend reads = %d, want 1", n)
	}
}

func TestWriteInvalidatesCache(t *testing.T) {
	svc := &fakeFileService{files: map[string]string{"a.txt": "one"}}
	c := newTestClient(t, svc)
	ctx := context.Background()

	if _, err := c.Read(ctx, "a.txt"); err != nil {
		t.Fatalf("read: %v", err)
	}
	c.cache.Wait()

	if err := c.Write(ctx, "a.txt", "two"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.Read(ctx, "a.txt")
	if err != nil {
		t.Fatalf("read after write: %v", err)
	}
	if got != "two" {
		t.Errorf("content = %q, want %q", got, "two")
	}
}

func TestBreakerShortCircuitsDeadService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second, resilience.NewBreaker("files", 1, time.Minute), 1<<20, time.Minute)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	if _, err := c.Read(context.Background(), "x"); err == nil {
		t.Fatal("expected error from failing service")
	}
	_, err = c.Read(context.Background(), "x")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}
}
