package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx daemon response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon request failed (%d)", e.Status)
	}
	return fmt.Sprintf("daemon request failed (%d): %s", e.Status, e.Message)
}

type Client struct {
	SocketPath string
	http       *http.Client
}

func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		DisableCompression: true,
		DisableKeepAlives:  true,
	}
	return &Client{
		SocketPath: socketPath,
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil || strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("daemon client is not configured")
	}
	endpoint := "http://unix" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal daemon request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode daemon response %s: %w", path, err)
	}
	return nil
}

func instanceQuery(instance string) url.Values {
	q := url.Values{}
	if s := strings.TrimSpace(instance); s != "" {
		q.Set("instance", s)
	}
	return q
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out); err != nil {
		return HealthResponse{}, err
	}
	if strings.TrimSpace(out.Status) == "" {
		out.Status = "ok"
	}
	return out, nil
}

// WaitForHealth polls the socket until the daemon answers or ctx ends.
func (c *Client) WaitForHealth(ctx context.Context) (HealthResponse, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		health, err := c.Health(ctx)
		if err == nil {
			return health, nil
		}
		select {
		case <-ctx.Done():
			return HealthResponse{}, fmt.Errorf("daemon not healthy on %s: %w", c.SocketPath, err)
		case <-ticker.C:
		}
	}
}

func (c *Client) Instances(ctx context.Context) ([]InstanceStatus, error) {
	var out InstancesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/instances", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

func (c *Client) Snapshot(ctx context.Context, instance string) (SnapshotResponse, error) {
	var out SnapshotResponse
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", instanceQuery(instance), nil, &out)
	return out, err
}

func (c *Client) Entities(ctx context.Context, instance string) (EntitiesResponse, error) {
	var out EntitiesResponse
	err := c.do(ctx, http.MethodGet, "/v1/entities", instanceQuery(instance), nil, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context, instance string) (SnapshotResponse, error) {
	var out SnapshotResponse
	err := c.do(ctx, http.MethodPost, "/v1/refresh", instanceQuery(instance), nil, &out)
	return out, err
}

// SetSetting writes one switch or number entity. value is sent as text and
// parsed by the daemon.
func (c *Client) SetSetting(ctx context.Context, instance, name, value string) (ActionResponse, error) {
	var out ActionResponse
	path := "/v1/settings/" + url.PathEscape(strings.TrimSpace(name))
	err := c.do(ctx, http.MethodPut, path, instanceQuery(instance), map[string]string{"value": value}, &out)
	return out, err
}

func (c *Client) Press(ctx context.Context, instance, button string) (ActionResponse, error) {
	var out ActionResponse
	path := "/v1/buttons/" + url.PathEscape(strings.TrimSpace(button))
	err := c.do(ctx, http.MethodPost, path, instanceQuery(instance), nil, &out)
	return out, err
}

func (c *Client) Diagnostics(ctx context.Context, instance string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/v1/diagnostics", instanceQuery(instance), nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, instance string, authIndex, limit int) (HistoryResponse, error) {
	q := instanceQuery(instance)
	q.Set("auth_index", strconv.Itoa(authIndex))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out HistoryResponse
	err := c.do(ctx, http.MethodGet, "/v1/history", q, nil, &out)
	return out, err
}
