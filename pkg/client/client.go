// Package client provides a Go SDK for the scm-sync status API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leejennwah/scm-sync/internal/status"
)

// Client communicates with a status server started by `scm-sync status --serve`
// or by any long-running scm-sync command.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new status API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Health returns nil when the server and its store are healthy.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Status fetches the snapshot of the streams matching f.
func (c *Client) Status(ctx context.Context, f status.Filter) (*status.Snapshot, error) {
	resp, err := c.get(ctx, "/api/v1/status", query(f, ""))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var snap status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &snap, nil
}

// Render fetches the snapshot rendered server side as "text" or
// "prometheus".
func (c *Client) Render(ctx context.Context, f status.Filter, format string) ([]byte, error) {
	resp, err := c.get(ctx, "/api/v1/status", query(f, format))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func query(f status.Filter, format string) url.Values {
	q := url.Values{}
	if f.RepoID != "" {
		q.Set("repo_id", f.RepoID)
	}
	if f.JobType != "" {
		q.Set("job_type", string(f.JobType))
	}
	if format != "" {
		q.Set("format", format)
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
