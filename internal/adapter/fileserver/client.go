// Package fileserver implements the filestore port against the HTTP file
// service, with a read-through in-process cache.
package fileserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/resilience"
)

// Client reads and writes whole files on the file service. Reads are
// cached; a write invalidates its path so the next read sees the new
// content.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
	cache   *ristretto.Cache[string, string]
	ttl     time.Duration
}

// New creates a file service client. maxCacheBytes bounds the total size
// of cached file contents.
func New(baseURL string, timeout time.Duration, breaker *resilience.Breaker, maxCacheBytes int64, cacheTTL time.Duration) (*Client, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxCacheBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("file cache init: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		cache:   cache,
		ttl:     cacheTTL,
	}, nil
}

// Read returns the content at path, or domain.ErrNotFound.
func (c *Client) Read(ctx context.Context, path string) (string, error) {
	if content, ok := c.cache.Get(path); ok {
		return content, nil
	}

	var content string
	err := c.breaker.Execute(func() error {
		reqURL := c.baseURL + "/read_file?path=" + url.QueryEscape(path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("build read_file request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("file service read %s: %w", path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("read %s: %w", path, domain.ErrNotFound)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("read %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
		}

		var payload struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decode read_file response: %w", err)
		}
		content = payload.Content
		return nil
	})
	if err != nil {
		return "", err
	}

	c.cache.SetWithTTL(path, content, int64(len(content)), c.ttl)
	return content, nil
}

// Write creates or overwrites the file at path.
func (c *Client) Write(ctx context.Context, path, content string) error {
	data, err := json.Marshal(map[string]string{"path": path, "content": content})
	if err != nil {
		return fmt.Errorf("marshal write_file request: %w", err)
	}

	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/write_file", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build write_file request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("file service write %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("write %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.cache.Del(path)
	return nil
}

// Close releases the cache.
func (c *Client) Close() {
	c.cache.Close()
}
