package api

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
	"time"

	"github.com/fleetctl/odc/pkg/engine"
	"github.com/fleetctl/odc/pkg/stores"
)

// Client talks to a Server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// uses one without a timeout, since commands may wait for a long time.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Initialize runs Initialize.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*engine.Envelope, error) {
	var env engine.Envelope
	if err := c.do(ctx, http.MethodPost, "/v1/initialize", req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Command runs one of the commands that take no parameters. route is a key
// of Routes other than "initialize".
func (c *Client) Command(ctx context.Context, route string, timeout time.Duration) (*engine.Envelope, error) {
	cmd, ok := Routes[route]
	if !ok || cmd == engine.CommandInitialize {
		return nil, fmt.Errorf("unknown command route %q", route)
	}
	req := CommandRequest{TimeoutSeconds: TimeoutSeconds(timeout)}

	var env engine.Envelope
	if err := c.do(ctx, http.MethodPost, "/v1/"+route, req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// TimeoutSeconds converts d to the whole seconds of a request body. A
// fraction of a second rounds up so a short timeout is never dropped; zero
// and negative durations mean the configured default.
func TimeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Status returns the service snapshot.
func (c *Client) Status(ctx context.Context) (*engine.Snapshot, error) {
	var snap engine.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// History lists recorded commands, newest first.
func (c *Client) History(ctx context.Context, filter stores.CommandFilter) ([]*stores.Command, error) {
	q := url.Values{}
	if filter.Command != "" {
		q.Set("command", filter.Command)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var cmds []*stores.Command
	if err := c.do(ctx, http.MethodGet, path, nil, &cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

// Healthy reports whether the server answers its health check.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Command routes answer 400 with an envelope, which the caller wants.
	if _, isEnv := out.(*engine.Envelope); isEnv && resp.StatusCode == http.StatusBadRequest {
		return json.Unmarshal(data, out)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
