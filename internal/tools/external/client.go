// Package external connects the runtime to the KohTravel tool collaborator:
// an HTTP service that lists its tools and executes them on behalf of a user.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the collaborator's tool endpoint in local deployments.
const DefaultBaseURL = "http://localhost:8000/api/agent/tools"

// ErrCollaborator marks failures talking to the collaborator itself, as
// opposed to a tool that ran and reported failure.
var ErrCollaborator = errors.New("tool collaborator request failed")

// maxResponseBytes bounds collaborator response bodies.
const maxResponseBytes = 8 << 20

// ToolSpec is one entry of the collaborator's tool listing.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Response is the collaborator's reply to a tool invocation.
type Response struct {
	Success  bool            `json:"success"`
	Content  json.RawMessage `json:"content"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StatusError reports a non-2xx collaborator response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", ErrCollaborator, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrCollaborator, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrCollaborator }

// SafeMessage leaves out the response body.
func (e *StatusError) SafeMessage() string {
	return fmt.Sprintf("%s (status %d)", ErrCollaborator, e.Status)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config holds collaborator client configuration.
type Config struct {
	// BaseURL is the tools endpoint, e.g. http://localhost:8000/api/agent/tools
	BaseURL string
	// Timeout bounds each request. Default: 30s
	Timeout time.Duration
	// HTTPClient overrides the transport; its Timeout is left untouched.
	HTTPClient *http.Client
}

// Client is the collaborator REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a collaborator client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("external: invalid tools url %q: %w", base, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, httpClient: httpClient}, nil
}

// BaseURL returns the tools endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AvailableTools fetches the collaborator's tool listing.
func (c *Client) AvailableTools(ctx context.Context) ([]ToolSpec, error) {
	var specs []ToolSpec
	if err := c.do(ctx, http.MethodGet, "/available_tools", nil, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// Invoke executes the named tool for userID. A tool that ran and failed is
// reported in the Response, not as an error.
func (c *Client) Invoke(ctx context.Context, name, userID string, params json.RawMessage) (*Response, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	body := struct {
		UserID     string          `json:"user_id"`
		Parameters json.RawMessage `json:"parameters"`
	}{UserID: userID, Parameters: params}

	var resp Response
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(name), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCollaborator, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrCollaborator, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 200)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrCollaborator, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
