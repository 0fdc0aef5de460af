// Package registryclient is the HTTP client agents use to talk to the
// capability registry.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/resilience"
)

// Client calls the registry service. All calls go through a circuit
// breaker so a dead registry does not stall agent loops.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
}

// New creates a registry client for baseURL.
func New(baseURL string, timeout time.Duration, breaker *resilience.Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Register records the agent and its capabilities with the registry.
func (c *Client) Register(ctx context.Context, agentName string, capabilities []string) error {
	if capabilities == nil {
		capabilities = []string{}
	}
	return c.post(ctx, "/register", map[string]any{
		"agent_name":   agentName,
		"capabilities": capabilities,
	})
}

// Heartbeat refreshes the agent's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, agentName string) error {
	return c.post(ctx, "/heartbeat", map[string]any{"agent_name": agentName})
}

// Unregister removes the agent from the registry.
func (c *Client) Unregister(ctx context.Context, agentName string) error {
	return c.post(ctx, "/unregister", map[string]any{"agent_name": agentName})
}

// GetCapabilities returns one agent's capability list, or
// domain.ErrNotFound when the agent is not registered.
func (c *Client) GetCapabilities(ctx context.Context, agentName string) ([]string, error) {
	var body struct {
		AgentName    string   `json:"agent_name"`
		Capabilities []string `json:"capabilities"`
	}
	err := c.get(ctx, "/get_capabilities/"+url.PathEscape(agentName), &body)
	if err != nil {
		return nil, err
	}
	return body.Capabilities, nil
}

// ListAgents returns every registered agent and its capabilities. The
// response body is the bare name-to-capabilities mapping.
func (c *Client) ListAgents(ctx context.Context) (map[string][]string, error) {
	var agents map[string][]string
	if err := c.get(ctx, "/list_agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// CheckHealth returns the agents whose last heartbeat is older than timeout.
func (c *Client) CheckHealth(ctx context.Context, timeout time.Duration) ([]string, error) {
	var body struct {
		Unhealthy []string `json:"unhealthy_agents"`
	}
	path := "/check_agent_health?timeout=" + strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return body.Unhealthy, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build %s request: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("registry %s: %w", path, err)
		}
		defer resp.Body.Close()
		return checkStatus(path, resp)
	})
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("build %s request: %w", path, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("registry %s: %w", path, err)
		}
		defer resp.Body.Close()
		if err := checkStatus(path, resp); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}

func checkStatus(path string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("registry %s: %w", path, domain.ErrNotFound)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
