package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kubeshield/remedy/internal/models"
)

// Client talks to a running remedy server. The CLI uses it for every command
// except serve.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for baseURL. A zero timeout defaults to 30s.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.ErrorMessage == "" {
			apiErr.ErrorMessage = strings.TrimSpace(string(data))
			if apiErr.ErrorMessage == "" {
				apiErr.ErrorMessage = resp.Status
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Status fetches the queue, lock and shadow summary.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Incidents lists incidents; open restricts the list to unfinished ones.
func (c *Client) Incidents(ctx context.Context, open bool, statuses ...models.Status) ([]*models.Incident, error) {
	q := url.Values{}
	if open {
		q.Set("open", "true")
	}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		q.Set("status", strings.Join(names, ","))
	}
	path := "/api/incidents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*models.Incident
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Incident fetches one incident with its full history.
func (c *Client) Incident(ctx context.Context, id string) (*models.Incident, error) {
	var out models.Incident
	if err := c.do(ctx, http.MethodGet, "/api/incidents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enqueue submits a detection.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	var out EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/api/incidents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) decide(ctx context.Context, id, action string, req DecisionRequest) (*models.Incident, error) {
	var out models.Incident
	if err := c.do(ctx, http.MethodPost, "/api/incidents/"+url.PathEscape(id)+"/"+action, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve approves the fix awaiting approval on incident id.
func (c *Client) Approve(ctx context.Context, id string, req DecisionRequest) (*models.Incident, error) {
	return c.decide(ctx, id, "approve", req)
}

// Reject rejects the fix awaiting approval on incident id.
func (c *Client) Reject(ctx context.Context, id string, req DecisionRequest) (*models.Incident, error) {
	return c.decide(ctx, id, "reject", req)
}

// Close ends incident id on operator request.
func (c *Client) Close(ctx context.Context, id string, req DecisionRequest) (*models.Incident, error) {
	return c.decide(ctx, id, "close", req)
}

// Unlock releases the production lock.
func (c *Client) Unlock(ctx context.Context, req UnlockRequest) (*UnlockResponse, error) {
	var out UnlockResponse
	if err := c.do(ctx, http.MethodPost, "/api/lock/unlock", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shadows lists shadow environments, newest first.
func (c *Client) Shadows(ctx context.Context, activeOnly bool) ([]*models.ShadowEnvironment, error) {
	path := "/api/shadows"
	if activeOnly {
		path += "?active=true"
	}
	var out []*models.ShadowEnvironment
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Shadow fetches one shadow environment.
func (c *Client) Shadow(ctx context.Context, id string) (*models.ShadowEnvironment, error) {
	var out models.ShadowEnvironment
	if err := c.do(ctx, http.MethodGet, "/api/shadows/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
