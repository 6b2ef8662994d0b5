// Package management is a client for the safe subset of the CLIProxyAPI
// management API: usage, version, runtime toggles and diagnostics logs.
// It intentionally has no calls for management-key changes, auth-file
// upload, provider keys or OAuth login.
package management

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

const (
	APIBasePath    = "/v0/management"
	DefaultBaseURL = "http://127.0.0.1:8317"

	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 32 << 20

	headerServerVersion = "X-CPA-VERSION"
)

const (
	endpointUsage            = "/usage"
	endpointLatestVersion    = "/latest-version"
	endpointLogs             = "/logs"
	endpointRequestErrorLogs = "/request-error-logs"
)

type Client struct {
	baseURL string
	key     string
	http    *http.Client

	versionMu     sync.RWMutex
	serverVersion string
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func New(baseURL, managementKey string, opts ...Option) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(managementKey) == "" {
		return nil, &core.ConfigurationError{Field: "management_key", Reason: "must not be empty"}
	}
	c := &Client{
		baseURL: normalized,
		key:     strings.TrimSpace(managementKey),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// ServerVersion is the proxy build version reported on the last response.
func (c *Client) ServerVersion() string {
	c.versionMu.RLock()
	defer c.versionMu.RUnlock()
	return c.serverVersion
}

func (c *Client) url(endpoint string) string {
	return c.baseURL + APIBasePath + endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any) ([]byte, error) {
	op := method + " " + endpoint

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal payload: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	target := c.url(endpoint)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &core.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("X-Management-Key", c.key)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &core.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if v := strings.TrimSpace(resp.Header.Get(headerServerVersion)); v != "" {
		c.versionMu.Lock()
		c.serverVersion = v
		c.versionMu.Unlock()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &core.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &core.TransportError{Op: op, Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// errorMessage pulls the server's reason out of an error body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, field := range []string{"error", "message"} {
			if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}
	return "unknown"
}

func jsonBody(op string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &core.ValidationError{Field: op, Reason: "response is not valid JSON"}
	}
	return gjson.ParseBytes(body), nil
}

// Usage returns the raw /usage body; decoding belongs to the usage package.
func (c *Client) Usage(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpointUsage, nil, nil)
}

func (c *Client) LatestVersion(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, endpointLatestVersion, nil, nil)
	if err != nil {
		return "", err
	}
	doc, err := jsonBody(endpointLatestVersion, body)
	if err != nil {
		return "", err
	}
	v := doc.Get("latest-version")
	if v.Type != gjson.String {
		return "", &core.ValidationError{Field: "latest-version", Reason: "missing or not a string"}
	}
	return strings.TrimSpace(v.String()), nil
}

// Setting reads the current value of one runtime setting.
func (c *Client) Setting(ctx context.Context, s core.Setting) (core.SettingValue, error) {
	if !s.Valid() {
		return core.SettingValue{}, &core.ScopeViolationError{Name: s.String()}
	}
	body, err := c.do(ctx, http.MethodGet, s.Endpoint(), nil, nil)
	if err != nil {
		return core.SettingValue{}, err
	}
	doc, err := jsonBody(s.Endpoint(), body)
	if err != nil {
		return core.SettingValue{}, err
	}
	v := doc.Get(s.Field())
	if !v.Exists() {
		return core.SettingValue{}, &core.ValidationError{Field: s.Field(), Reason: "missing from response"}
	}

	switch s.Kind() {
	case core.KindBool:
		if v.Type != gjson.True && v.Type != gjson.False {
			return core.SettingValue{}, &core.ValidationError{Field: s.Field(), Reason: "expected boolean, got " + v.Type.String()}
		}
		return core.Bool(v.Bool()), nil
	default:
		if v.Type != gjson.Number || v.Num != float64(int64(v.Num)) {
			return core.SettingValue{}, &core.ValidationError{Field: s.Field(), Reason: "expected integer, got " + v.Raw}
		}
		return core.Int(int(v.Int())), nil
	}
}

// PutSetting writes exactly one setting. The value is checked against the
// setting's kind and bounds before anything is sent.
func (c *Client) PutSetting(ctx context.Context, s core.Setting, v core.SettingValue) error {
	if err := s.Check(v); err != nil {
		return err
	}
	_, err := c.do(ctx, http.MethodPatch, s.Endpoint(), nil, map[string]any{"value": v.Wire()})
	return err
}

// Logs fetches log lines newer than the given unix timestamp.
func (c *Client) Logs(ctx context.Context, after int64) (core.LogsSummary, error) {
	query := url.Values{"after": []string{strconv.FormatInt(after, 10)}}
	body, err := c.do(ctx, http.MethodGet, endpointLogs, query, nil)
	if err != nil {
		return core.LogsSummary{}, err
	}
	doc, err := jsonBody(endpointLogs, body)
	if err != nil {
		return core.LogsSummary{}, err
	}

	out := core.LogsSummary{LatestTimestamp: after}
	for _, line := range doc.Get("lines").Array() {
		out.Lines = append(out.Lines, line.String())
	}
	out.LineCount = len(out.Lines)
	if n := doc.Get("line-count"); n.Type == gjson.Number {
		out.LineCount = int(n.Int())
	}
	if ts := doc.Get("latest-timestamp"); ts.Type == gjson.Number {
		out.LatestTimestamp = ts.Int()
	}
	return out, nil
}

func (c *Client) ClearLogs(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, endpointLogs, nil, nil)
	return err
}

// RequestErrorLogs lists request-error-log file names.
func (c *Client) RequestErrorLogs(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, endpointRequestErrorLogs, nil, nil)
	if err != nil {
		return nil, err
	}
	doc, err := jsonBody(endpointRequestErrorLogs, body)
	if err != nil {
		return nil, err
	}
	files := doc.Get("files")
	if files.Exists() && !files.IsArray() {
		return nil, &core.ValidationError{Field: "files", Reason: "expected array"}
	}
	out := []string{}
	for _, item := range files.Array() {
		name := item.String()
		if item.IsObject() {
			name = item.Get("name").String()
		}
		if strings.TrimSpace(name) != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

// Validate checks that the key is accepted by reading one cheap setting.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.Setting(ctx, core.SettingDebug)
	return err
}
