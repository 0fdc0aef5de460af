// Package gitservice implements the gitclient port against the HTTP git
// service.
package gitservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentmesh/agentmesh/internal/resilience"
)

// Client manages repositories on the git service.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
}

// New creates a git service client for baseURL.
func New(baseURL string, timeout time.Duration, breaker *resilience.Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Init creates the repository if it does not already exist.
func (c *Client) Init(ctx context.Context, repoName string) error {
	_, err := c.post(ctx, "/init", map[string]any{"repo_name": repoName})
	return err
}

// Commit records fileChanges in the repository and returns the commit
// identifier.
func (c *Client) Commit(ctx context.Context, repoName, message string, fileChanges map[string]string) (string, error) {
	body, err := c.post(ctx, "/commit", map[string]any{
		"repo_name":      repoName,
		"commit_message": message,
		"file_changes":   fileChanges,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Commit string `json:"commit"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode commit response: %w", err)
	}
	return resp.Commit, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}

	var body []byte
	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build %s request: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("git service %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("git service %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
