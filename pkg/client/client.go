// Package client provides a typed HTTP client SDK for chamicore-valence.
package client

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

	"github.com/cenkalti/backoff/v4"

	"git.cscs.ch/openchami/chamicore-valence/internal/compose"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/podmanager"
	"git.cscs.ch/openchami/chamicore-valence/internal/reconcile"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/pkg/types"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxRetries       = 3
	defaultWaitPollInterval = 2 * time.Second
	podManagersPath         = "/v1/pod_managers"
	nodesPath               = "/v1/nodes"
	devicesPath             = "/v1/devices"
	tasksPath               = "/v1/tasks"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the root URL of the API (for example: http://localhost:8181).
	BaseURL string
	// Timeout is the per-request timeout. Defaults to 30s.
	Timeout time.Duration
	// MaxRetries bounds retries of idempotent requests on transient failures.
	MaxRetries int
	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is the typed HTTP SDK for the valence API.
type Client struct {
	http    *http.Client
	baseURL string
	cfg     Config
}

// APIError is a non-2xx response decoded from the normalized error body.
type APIError struct {
	StatusCode int    `json:"status"`
	RequestID  string `json:"request_id"`
	Code       string `json:"code"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Code)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// WaitTaskOptions configures polling behavior in WaitTask.
type WaitTaskOptions struct {
	Interval time.Duration
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("client: BaseURL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("client: invalid BaseURL: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(baseURL, "/")

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{http: httpClient, baseURL: cfg.BaseURL, cfg: cfg}, nil
}

// ListPodManagers returns every registered pod manager.
func (c *Client) ListPodManagers(ctx context.Context) (*types.ResourceList[model.PodManager], error) {
	var result types.ResourceList[model.PodManager]
	if err := c.do(ctx, http.MethodGet, podManagersPath, nil, &result); err != nil {
		return nil, fmt.Errorf("listing pod managers: %w", err)
	}
	return &result, nil
}

// CreatePodManager registers a pod manager.
func (c *Client) CreatePodManager(ctx context.Context, req podmanager.CreateRequest) (*types.Resource[model.PodManager], error) {
	var result types.Resource[model.PodManager]
	if err := c.do(ctx, http.MethodPost, podManagersPath, req, &result); err != nil {
		return nil, fmt.Errorf("creating pod manager: %w", err)
	}
	return &result, nil
}

// GetPodManager returns one pod manager with its live info when reachable.
func (c *Client) GetPodManager(ctx context.Context, id string) (*types.Resource[podmanager.View], error) {
	path, err := itemPath(podManagersPath, id, "pod manager")
	if err != nil {
		return nil, err
	}
	var result types.Resource[podmanager.View]
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("getting pod manager %q: %w", id, err)
	}
	return &result, nil
}

// UpdatePodManager renames a pod manager or replaces its credentials.
func (c *Client) UpdatePodManager(ctx context.Context, id string, req podmanager.UpdateRequest) (*types.Resource[model.PodManager], error) {
	path, err := itemPath(podManagersPath, id, "pod manager")
	if err != nil {
		return nil, err
	}
	var result types.Resource[model.PodManager]
	if err := c.do(ctx, http.MethodPatch, path, req, &result); err != nil {
		return nil, fmt.Errorf("updating pod manager %q: %w", id, err)
	}
	return &result, nil
}

// DeletePodManager removes a pod manager and everything recorded under it.
func (c *Client) DeletePodManager(ctx context.Context, id string) (*types.Resource[store.CascadeCounts], error) {
	path, err := itemPath(podManagersPath, id, "pod manager")
	if err != nil {
		return nil, err
	}
	var result types.Resource[store.CascadeCounts]
	if err := c.do(ctx, http.MethodDelete, path, nil, &result); err != nil {
		return nil, fmt.Errorf("deleting pod manager %q: %w", id, err)
	}
	return &result, nil
}

// ComposeNode composes a node and waits for the fabric to finish.
func (c *Client) ComposeNode(ctx context.Context, req compose.ComposeRequest) (*types.Resource[compose.Node], error) {
	var result types.Resource[compose.Node]
	if err := c.do(ctx, http.MethodPost, nodesPath, req, &result); err != nil {
		return nil, fmt.Errorf("composing node: %w", err)
	}
	return &result, nil
}

// ComposeNodeAsync submits a composition and returns the task to poll.
func (c *Client) ComposeNodeAsync(ctx context.Context, req compose.ComposeRequest) (*types.Resource[model.Task], error) {
	var result types.Resource[model.Task]
	if err := c.do(ctx, http.MethodPost, nodesPath+"?async=true", req, &result); err != nil {
		return nil, fmt.Errorf("submitting composition: %w", err)
	}
	return &result, nil
}

// ListNodes returns stored nodes matching the equality filters.
func (c *Client) ListNodes(ctx context.Context, filters map[string]string) (*types.ResourceList[model.ComposedNode], error) {
	var result types.ResourceList[model.ComposedNode]
	if err := c.do(ctx, http.MethodGet, withQuery(nodesPath, filters), nil, &result); err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return &result, nil
}

// GetNode returns a node merged with its live view.
func (c *Client) GetNode(ctx context.Context, id string) (*types.Resource[compose.Node], error) {
	path, err := itemPath(nodesPath, id, "node")
	if err != nil {
		return nil, err
	}
	var result types.Resource[compose.Node]
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("getting node %q: %w", id, err)
	}
	return &result, nil
}

// DeleteNode decomposes a node.
func (c *Client) DeleteNode(ctx context.Context, id string) (*types.Resource[driver.Confirmation], error) {
	path, err := itemPath(nodesPath, id, "node")
	if err != nil {
		return nil, err
	}
	var result types.Resource[driver.Confirmation]
	if err := c.do(ctx, http.MethodDelete, path, nil, &result); err != nil {
		return nil, fmt.Errorf("deleting node %q: %w", id, err)
	}
	return &result, nil
}

// NodeAction applies a reset, boot override, or device attach/detach.
func (c *Client) NodeAction(ctx context.Context, id string, action driver.Action) (*types.Resource[driver.Confirmation], error) {
	path, err := itemPath(nodesPath, id, "node")
	if err != nil {
		return nil, err
	}
	var result types.Resource[driver.Confirmation]
	if err := c.do(ctx, http.MethodPost, path+"/action", action, &result); err != nil {
		return nil, fmt.Errorf("applying action to node %q: %w", id, err)
	}
	return &result, nil
}

// ManageNode records a node that already exists on a fabric.
func (c *Client) ManageNode(ctx context.Context, req compose.ManageRequest) (*types.Resource[compose.Node], error) {
	var result types.Resource[compose.Node]
	if err := c.do(ctx, http.MethodPost, nodesPath+"/manage", req, &result); err != nil {
		return nil, fmt.Errorf("managing node: %w", err)
	}
	return &result, nil
}

// GetTask returns one composition task.
func (c *Client) GetTask(ctx context.Context, id string) (*types.Resource[model.Task], error) {
	path, err := itemPath(tasksPath, id, "task")
	if err != nil {
		return nil, err
	}
	var result types.Resource[model.Task]
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("getting task %q: %w", id, err)
	}
	return &result, nil
}

// DeleteTask removes a finished task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	path, err := itemPath(tasksPath, id, "task")
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting task %q: %w", id, err)
	}
	return nil
}

// WaitTask polls a task until it reaches Complete or Failed.
func (c *Client) WaitTask(ctx context.Context, id string, opts WaitTaskOptions) (*types.Resource[model.Task], error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultWaitPollInterval
	}

	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("waiting task %q: %w", id, err)
		}
		if task.Spec.IsTerminal() {
			return task, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting task %q: %w", id, ctx.Err())
		case <-timer.C:
		}
	}
}

// ListDevices returns stored pooled devices matching the equality filters.
func (c *Client) ListDevices(ctx context.Context, filters map[string]string) (*types.ResourceList[model.Device], error) {
	var result types.ResourceList[model.Device]
	if err := c.do(ctx, http.MethodGet, withQuery(devicesPath, filters), nil, &result); err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return &result, nil
}

// SyncDevices reconciles one pod manager, or all of them when podmID is empty.
func (c *Client) SyncDevices(ctx context.Context, podmID string) (*types.ResourceList[reconcile.Result], error) {
	body := map[string]string{}
	if podmID = strings.TrimSpace(podmID); podmID != "" {
		body["podm_id"] = podmID
	}
	var result types.ResourceList[reconcile.Result]
	if err := c.do(ctx, http.MethodPost, devicesPath+"/sync", body, &result); err != nil {
		return nil, fmt.Errorf("synchronizing devices: %w", err)
	}
	return &result, nil
}

// AttachDevice attaches a pooled device to the fabric node nodeIndex.
func (c *Client) AttachDevice(ctx context.Context, id, nodeIndex string) (*types.Resource[driver.Confirmation], error) {
	path, err := itemPath(devicesPath, id, "device")
	if err != nil {
		return nil, err
	}
	var result types.Resource[driver.Confirmation]
	req := reconcile.AttachRequest{NodeIndex: nodeIndex}
	if err := c.do(ctx, http.MethodPost, path+"/attach", req, &result); err != nil {
		return nil, fmt.Errorf("attaching device %q: %w", id, err)
	}
	return &result, nil
}

// DetachDevice returns a pooled device to the free pool.
func (c *Client) DetachDevice(ctx context.Context, id string) (*types.Resource[driver.Confirmation], error) {
	path, err := itemPath(devicesPath, id, "device")
	if err != nil {
		return nil, err
	}
	var result types.Resource[driver.Confirmation]
	if err := c.do(ctx, http.MethodPost, path+"/detach", nil, &result); err != nil {
		return nil, fmt.Errorf("detaching device %q: %w", id, err)
	}
	return &result, nil
}

// do sends one request. Idempotent methods are retried with exponential
// backoff on transport errors and 502/503/504.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = encoded
	}

	attempt := func() error {
		err := c.send(ctx, method, path, payload, out)
		if err != nil && (!idempotent(method) || !transient(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 0
	var retries backoff.BackOff = backoff.WithMaxRetries(policy, uint64(max(c.cfg.MaxRetries, 0)))
	return backoff.Retry(attempt, backoff.WithContext(retries, ctx))
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Detail = strings.TrimSpace(string(raw))
	}
	apiErr.StatusCode = resp.StatusCode
	if apiErr.RequestID == "" {
		apiErr.RequestID = resp.Header.Get("X-Request-Id")
	}
	return apiErr
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	default:
		return false
	}
}

func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func itemPath(prefix, id, what string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%s id is required", what)
	}
	return prefix + "/" + url.PathEscape(id), nil
}

func withQuery(path string, filters map[string]string) string {
	params := url.Values{}
	for key, value := range filters {
		if value = strings.TrimSpace(value); value != "" {
			params.Set(key, value)
		}
	}
	if encoded := params.Encode(); encoded != "" {
		return path + "?" + encoded
	}
	return path
}
