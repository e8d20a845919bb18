package client

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

	"github.com/hakulab/haku/pkg/types"
)

const requestTimeout = 10 * time.Second

// APIError is a non-2xx response from a control surface.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from a control surface.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// httpJSON performs one JSON round trip. A nil out discards the body; a nil
// in sends no body.
func httpJSON(ctx context.Context, hc *http.Client, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp types.ErrorResponse
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func normalizeBase(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// HostClient talks to the host control surface. It serves both the CLI and
// the runner agent (register, heartbeat, status reports).
type HostClient struct {
	base string
	hc   *http.Client
}

// NewHostClient creates a client for the host API at addr.
func NewHostClient(addr string) *HostClient {
	return &HostClient{
		base: normalizeBase(addr),
		hc:   &http.Client{Timeout: requestTimeout},
	}
}

// Submit submits a task batch and returns the partial-success result.
func (c *HostClient) Submit(req *types.SubmitRequest) (*types.SubmitResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var resp types.SubmitResponse
	if err := httpJSON(ctx, c.hc, http.MethodPost, c.base+"/submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask fetches one task record.
func (c *HostClient) GetTask(id int64) (*types.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var task types.Task
	if err := httpJSON(ctx, c.hc, http.MethodGet, fmt.Sprintf("%s/task/%d", c.base, id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks lists task records, newest last. An empty status lists all.
func (c *HostClient) ListTasks(status string) ([]*types.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	url := c.base + "/tasks"
	if status != "" {
		url += "?status=" + status
	}
	var tasks []*types.Task
	if err := httpJSON(ctx, c.hc, http.MethodGet, url, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *HostClient) lifecycle(id int64, verb string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	return httpJSON(ctx, c.hc, http.MethodPost,
		fmt.Sprintf("%s/task/%d/%s", c.base, id, verb), nil, nil)
}

// Kill requests task termination.
func (c *HostClient) Kill(id int64) error { return c.lifecycle(id, "kill") }

// Pause freezes a running task.
func (c *HostClient) Pause(id int64) error { return c.lifecycle(id, "pause") }

// Resume unfreezes a paused task.
func (c *HostClient) Resume(id int64) error { return c.lifecycle(id, "resume") }

// SaveEnv snapshots a VPS task into a named environment archive.
func (c *HostClient) SaveEnv(id int64, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	return httpJSON(ctx, c.hc, http.MethodPost,
		fmt.Sprintf("%s/task/%d/save-env", c.base, id), &types.SaveEnvRequest{Name: name}, nil)
}

// Logs streams a task's stdout or stderr. The caller closes the reader.
func (c *HostClient) Logs(id int64, stream string) (io.ReadCloser, error) {
	// No client-side timeout: log streams are long-lived.
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/task/%d/%s", c.base, id, stream), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp types.ErrorResponse
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return resp.Body, nil
}

// Nodes lists registered nodes.
func (c *HostClient) Nodes() ([]types.NodeSummary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var nodes []types.NodeSummary
	if err := httpJSON(ctx, c.hc, http.MethodGet, c.base+"/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Health fetches the aggregate monitoring snapshot.
func (c *HostClient) Health() (*types.HealthSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var snap types.HealthSnapshot
	if err := httpJSON(ctx, c.hc, http.MethodGet, c.base+"/health", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Register registers a runner with the host.
func (c *HostClient) Register(req *types.RegisterRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	return httpJSON(ctx, c.hc, http.MethodPost, c.base+"/register", req, nil)
}

// Heartbeat posts runner liveness and telemetry.
func (c *HostClient) Heartbeat(req *types.HeartbeatRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	return httpJSON(ctx, c.hc, http.MethodPost, c.base+"/heartbeat", req, nil)
}

// PostStatus reports a task state change to the host.
func (c *HostClient) PostStatus(update *types.StatusUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	return httpJSON(ctx, c.hc, http.MethodPost, c.base+"/status", update, nil)
}

// RunnerClient talks to one runner's control surface. The dispatcher passes
// per-attempt contexts; lifecycle commands carry their own timeout.
type RunnerClient struct {
	base string
	hc   *http.Client
}

// NewRunnerClient creates a client for the runner at endpoint.
func NewRunnerClient(endpoint string) *RunnerClient {
	return &RunnerClient{
		base: normalizeBase(endpoint),
		hc:   &http.Client{},
	}
}

// Run delivers a run order. A transport error is distinct from a rejection:
// the ack carries the runner's verdict.
func (c *RunnerClient) Run(ctx context.Context, order *types.RunOrder) (*types.RunAck, error) {
	var ack types.RunAck
	if err := httpJSON(ctx, c.hc, http.MethodPost, c.base+"/run", order, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *RunnerClient) lifecycle(ctx context.Context, verb string, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	return httpJSON(ctx, c.hc, http.MethodPost,
		fmt.Sprintf("%s/%s/%d", c.base, verb, id), nil, nil)
}

// Kill stops the unit for a task.
func (c *RunnerClient) Kill(ctx context.Context, id int64) error {
	return c.lifecycle(ctx, "kill", id)
}

// Pause freezes the unit for a task.
func (c *RunnerClient) Pause(ctx context.Context, id int64) error {
	return c.lifecycle(ctx, "pause", id)
}

// Resume unfreezes the unit for a task.
func (c *RunnerClient) Resume(ctx context.Context, id int64) error {
	return c.lifecycle(ctx, "resume", id)
}

// SaveEnv commits the task's unit and writes the archive to shared storage.
func (c *RunnerClient) SaveEnv(ctx context.Context, id int64, name string) error {
	return httpJSON(ctx, c.hc, http.MethodPost,
		fmt.Sprintf("%s/save/%d", c.base, id), &types.SaveEnvRequest{Name: name}, nil)
}
