// Package llm implements the oracle port against an OpenAI-compatible
// chat completion endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/internal/port/oracle"
	"github.com/agentmesh/agentmesh/internal/resilience"
)

// ErrMalformedDecision is returned when the model reply contains no
// parsable decision object. Callers fall back to a safe decision.
var ErrMalformedDecision = errors.New("malformed oracle decision")

// Client calls a chat completion API and parses the reply into a
// Decision.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
	breaker *resilience.Breaker
}

// New creates an oracle client. apiKey may be empty for local endpoints.
func New(baseURL, model, apiKey string, timeout time.Duration, breaker *resilience.Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Decide sends prompt to the model and parses the reply.
func (c *Client) Decide(ctx context.Context, prompt string) (oracle.Decision, error) {
	content, err := c.Complete(ctx, prompt)
	if err != nil {
		return oracle.Decision{}, err
	}
	return ExtractDecision(content)
}

// Complete sends prompt to the model and returns the raw reply text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var content string
	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("oracle call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("oracle call: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}

		var parsed chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("chat response has no choices")
		}
		content = parsed.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// ExtractDecision pulls the decision object out of a model reply. Models
// wrap JSON in prose and code fences, so everything outside the outermost
// braces is discarded before parsing.
func ExtractDecision(content string) (oracle.Decision, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return oracle.Decision{}, fmt.Errorf("no JSON object in reply: %w", ErrMalformedDecision)
	}

	var d oracle.Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return oracle.Decision{}, fmt.Errorf("parse decision: %w", ErrMalformedDecision)
	}

	switch d.Action {
	case oracle.ActionClarification, oracle.ActionAssignTask, oracle.ActionProjectCompleted:
		return d, nil
	default:
		return oracle.Decision{}, fmt.Errorf("unknown action %q: %w", d.Action, ErrMalformedDecision)
	}
}
