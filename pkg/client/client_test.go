package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-valence/internal/compose"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/pkg/types"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func problemJSON(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, map[string]any{
		"request_id": "req-1",
		"code":       code,
		"status":     status,
		"title":      http.StatusText(status),
		"detail":     detail,
	})
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires base url", func(t *testing.T) {
		t.Parallel()
		c, err := New(Config{})
		require.Error(t, err)
		assert.Nil(t, c)
		assert.Contains(t, err.Error(), "BaseURL is required")
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, Config{BaseURL: " http://example.invalid/ "})
		assert.Equal(t, "http://example.invalid", c.baseURL)
		assert.Equal(t, defaultTimeout, c.cfg.Timeout)
		assert.Equal(t, defaultMaxRetries, c.cfg.MaxRetries)
	})

	t.Run("uses custom values", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, Config{BaseURL: "http://example.invalid", Timeout: 5 * time.Second, MaxRetries: 9})
		assert.Equal(t, 5*time.Second, c.cfg.Timeout)
		assert.Equal(t, 9, c.cfg.MaxRetries)
	})
}

func TestListPodManagers(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/pod_managers", r.URL.Path)
		respondJSON(w, http.StatusOK, types.NewResourceList(types.KindPodManagerList, []model.PodManager{
			{UUID: "p-1", Name: "rsd-1", Driver: model.DriverRedfishV1, Status: model.PodManagerOnline},
		}))
	}))
	defer ts.Close()

	c := newTestClient(t, Config{BaseURL: ts.URL})
	resp, err := c.ListPodManagers(context.Background())

	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "rsd-1", resp.Items[0].Name)
	assert.Equal(t, 1, resp.Metadata.Total)
}

func TestComposeNodeAsync_SendsBodyAndQuery(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/nodes", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("async"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req compose.ComposeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "node-a", req.Name)
		assert.Equal(t, "expether", req.Driver)

		respondJSON(w, http.StatusAccepted, types.NewResource(types.KindTask, "t-1", model.Task{UUID: "t-1", Status: model.TaskCreated}))
	}))
	defer ts.Close()

	c := newTestClient(t, Config{BaseURL: ts.URL})
	req := compose.ComposeRequest{Driver: "expether"}
	req.Name = "node-a"
	task, err := c.ComposeNodeAsync(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "t-1", task.Metadata.ID)
	assert.Equal(t, model.TaskCreated, task.Spec.Status)
}

func TestGetNode_DecodesErrorBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/nodes/missing", r.URL.Path)
		problemJSON(w, http.StatusNotFound, "NotFound", "composed node missing not found")
	}))
	defer ts.Close()

	c := newTestClient(t, Config{BaseURL: ts.URL})
	_, err := c.GetNode(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, IsCode(err, "NotFound"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "req-1", apiErr.RequestID)
	assert.Contains(t, err.Error(), "composed node missing not found")
}

func TestErrorBody_FallsBackToStatusText(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Request-Id", "proxy-1")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("not json"))
	}))
	defer ts.Close()

	c := newTestClient(t, Config{BaseURL: ts.URL})
	_, err := c.ManageNode(context.Background(), compose.ManageRequest{PodmID: "p", Index: "1"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Request", apiErr.Code)
	assert.Equal(t, "not json", apiErr.Detail)
	assert.Equal(t, "proxy-1", apiErr.RequestID)
}

func TestRetries_OnlyIdempotentRequests(t *testing.T) {
	t.Parallel()

	t.Run("get retried until success", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				problemJSON(w, http.StatusServiceUnavailable, "ServiceUnavailable", "busy")
				return
			}
			respondJSON(w, http.StatusOK, types.NewResource(types.KindTask, "t-1", model.Task{UUID: "t-1", Status: model.TaskComplete}))
		}))
		defer ts.Close()

		c := newTestClient(t, Config{BaseURL: ts.URL})
		task, err := c.GetTask(context.Background(), "t-1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskComplete, task.Spec.Status)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("post not retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			problemJSON(w, http.StatusServiceUnavailable, "NoHostAvailable", "no pod managers are registered")
		}))
		defer ts.Close()

		c := newTestClient(t, Config{BaseURL: ts.URL})
		req := compose.ComposeRequest{}
		req.Name = "node-a"
		_, err := c.ComposeNode(context.Background(), req)
		require.Error(t, err)
		assert.True(t, IsCode(err, "NoHostAvailable"))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("client errors not retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			problemJSON(w, http.StatusNotFound, "NotFound", "gone")
		}))
		defer ts.Close()

		c := newTestClient(t, Config{BaseURL: ts.URL})
		require.Error(t, c.DeleteTask(context.Background(), "t-1"))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestWaitTask_PollsUntilTerminal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := model.TaskInProgress
		if calls.Add(1) >= 3 {
			status = model.TaskFailed
		}
		respondJSON(w, http.StatusOK, types.NewResource(types.KindTask, "t-1", model.Task{
			UUID: "t-1", Status: status, FailureReason: "allocation failed",
		}))
	}))
	defer ts.Close()

	c := newTestClient(t, Config{BaseURL: ts.URL})
	task, err := c.WaitTask(context.Background(), "t-1", WaitTaskOptions{Interval: 5 * time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Spec.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitTask_ContextCanceled(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, types.NewResource(types.KindTask, "t-1", model.Task{UUID: "t-1", Status: model.TaskInProgress}))
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := newTestClient(t, Config{BaseURL: ts.URL})
	_, err := c.WaitTask(ctx, "t-1", WaitTaskOptions{Interval: 10 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDevices(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/devices":
			assert.Equal(t, "free", r.URL.Query().Get("state"))
			assert.False(t, r.URL.Query().Has("type"))
			respondJSON(w, http.StatusOK, types.NewResourceList(types.KindDeviceList, []model.Device{{UUID: "d-1", State: model.DeviceStateFree}}))
		case "/v1/devices/d-1/attach":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "0x8cdf9d911cae", body["node_index"])
			respondJSON(w, http.StatusOK, types.NewResource(types.KindConfirmation, "d-1", driver.Confirmation{Code: "attach", Detail: "ok"}))
		case "/v1/devices/sync":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "p-1", body["podm_id"])
			respondJSON(w, http.StatusOK, types.NewResourceList(types.KindSyncResult, []map[string]any{{"podm_id": "p-1", "status": "SUCCESS"}}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, Config{BaseURL: ts.URL})
	ctx := context.Background()

	devices, err := c.ListDevices(ctx, map[string]string{"state": "free", "type": " "})
	require.NoError(t, err)
	require.Len(t, devices.Items, 1)
	assert.Equal(t, "d-1", devices.Items[0].UUID)

	confirmation, err := c.AttachDevice(ctx, "d-1", "0x8cdf9d911cae")
	require.NoError(t, err)
	assert.Equal(t, "attach", confirmation.Spec.Code)

	results, err := c.SyncDevices(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, results.Items, 1)
	assert.Equal(t, "SUCCESS", results.Items[0].Status)
}

func TestItemPath_RequiresID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{BaseURL: "http://example.invalid"})
	_, err := c.GetPodManager(context.Background(), " ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pod manager id is required")

	path, err := itemPath(nodesPath, "a/b", "node")
	require.NoError(t, err)
	assert.Equal(t, "/v1/nodes/a%2Fb", path)
}
