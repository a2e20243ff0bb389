package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/compose"
	"git.cscs.ch/openchami/chamicore-valence/internal/config"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/podmanager"
	"git.cscs.ch/openchami/chamicore-valence/internal/reconcile"
	"git.cscs.ch/openchami/chamicore-valence/internal/registry"
	"git.cscs.ch/openchami/chamicore-valence/internal/scheduler"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/internal/worker"
)

// fabricStub answers every driver call with a fixed, healthy fabric.
type fabricStub struct {
	driver.Driver
}

func (fabricStub) GetStatus(context.Context) string { return model.PodManagerOnline }

func (fabricStub) GetPodmInfo(context.Context) (driver.PodmInfo, error) {
	return driver.PodmInfo{Driver: driver.KindRedfish, Status: model.PodManagerOnline, APIVersion: "1.0.0"}, nil
}

func (fabricStub) ComposeNode(_ context.Context, req driver.ComposeRequest) (driver.NodeDetail, error) {
	return driver.NodeDetail{Index: "1", Name: req.Name, ComputerSystemID: "sys-1"}, nil
}

func (fabricStub) GetComposedNode(_ context.Context, index string) (driver.NodeDetail, error) {
	return driver.NodeDetail{Index: index, Name: "node-a", ComputerSystemID: "sys-1"}, nil
}

func (fabricStub) DeleteComposedNode(context.Context, string) (driver.Confirmation, error) {
	return driver.Confirmation{Code: "DELETED"}, nil
}

func (fabricStub) NodeAction(_ context.Context, _ string, action driver.Action) (driver.Confirmation, error) {
	return driver.Confirmation{Code: "ACCEPTED", Detail: action.Name()}, nil
}

func (fabricStub) SystemsList(context.Context, map[string]string) ([]driver.SystemSummary, error) {
	return []driver.SystemSummary{{ID: "sys-1"}}, nil
}

func (fabricStub) GetSystemByID(_ context.Context, id string) (driver.SystemDetail, error) {
	if id != "sys-1" {
		return driver.SystemDetail{}, apierr.NotFound("system %s not found", id)
	}
	return driver.SystemDetail{SystemSummary: driver.SystemSummary{ID: id}}, nil
}

func (fabricStub) ListRacks(context.Context) ([]driver.Rack, error) {
	return []driver.Rack{{ID: "rack-1"}}, nil
}

func (fabricStub) ShowRack(_ context.Context, id string) (driver.Rack, error) {
	return driver.Rack{ID: id}, nil
}

func (fabricStub) GetAllDevices(context.Context) ([]driver.DeviceRecord, error) {
	return []driver.DeviceRecord{{
		Type:          "NIC",
		ResourceURI:   "devices/nic-1",
		PooledGroupID: model.DefaultPooledGroupID,
		State:         model.DeviceStateFree,
	}}, nil
}

func (fabricStub) GetIronicNodeParams(_ context.Context, node driver.NodeDetail, overrides map[string]any) (driver.IronicParams, error) {
	args := map[string]any{"name": node.Name, "driver": "redfish"}
	driver.MergeOverrides(args, overrides)
	return driver.IronicParams{NodeArgs: args}, nil
}

func (fabricStub) AttachDevice(context.Context, string, string) (driver.Confirmation, error) {
	return driver.Confirmation{Code: "ATTACHED"}, nil
}

func (fabricStub) DetachDevice(context.Context, string) (driver.Confirmation, error) {
	return driver.Confirmation{Code: "DETACHED"}, nil
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type harness struct {
	store  *store.MemoryStore
	router http.Handler
}

func newHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	st := store.NewMemoryStore()
	factory := func(driver.Params) (driver.Driver, error) { return fabricStub{}, nil }
	reg, err := registry.New(st, registry.Config{Factories: map[driver.Kind]driver.Factory{
		driver.KindRedfish:  factory,
		driver.KindExpEther: factory,
	}}, zerolog.Nop())
	require.NoError(t, err)

	pool := worker.New(worker.Config{Size: 2}, zerolog.Nop())
	pool.Start()
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	rec := reconcile.New(st, reg, nil, reconcile.Config{}, zerolog.Nop())
	podms := podmanager.New(st, reg, nil, podmanager.Config{}, zerolog.Nop(), rec)
	engine := compose.New(st, reg, scheduler.New(st, zerolog.Nop()), pool, nil, compose.Config{}, zerolog.Nop())

	srv := New(st, podms, engine, rec, config.Config{MetricsEnabled: true}, "v1", "abc", "now", opts...)
	return harness{store: st, router: srv.Router()}
}

func (h harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

type envelope struct {
	Kind     string `json:"kind"`
	Metadata struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	} `json:"metadata"`
	Spec  json.RawMessage   `json:"spec"`
	Items []json.RawMessage `json:"items"`
}

func decodeEnvelope(t *testing.T, resp *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	return env
}

func decodeProblem(t *testing.T, resp *httptest.ResponseRecorder) apierr.Body {
	t.Helper()
	var body apierr.Body
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body), resp.Body.String())
	return body
}

func (h harness) createPodManager(t *testing.T, name string) string {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/v1/pod_managers", podmanager.CreateRequest{
		Name:   name,
		URL:    "https://" + name + ".example",
		Driver: model.DriverRedfishV1,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	return decodeEnvelope(t, resp).Metadata.ID
}

func TestServer_PublicEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithOpenAPISpec([]byte("openapi: 3.0.3\n")))

	for _, path := range []string{"/health", "/readiness", "/version", "/metrics"} {
		resp := h.do(t, http.MethodGet, path, nil)
		assert.Equalf(t, http.StatusOK, resp.Code, "GET %s", path)
	}

	resp := h.do(t, http.MethodGet, "/version", nil)
	assert.JSONEq(t, `{"version":"v1","commit":"abc","buildDate":"now"}`, resp.Body.String())

	resp = h.do(t, http.MethodGet, "/api/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/yaml", resp.Header().Get("Content-Type"))
	assert.Contains(t, resp.Body.String(), "openapi")
}

func TestServer_ReadinessFailure(t *testing.T) {
	t.Parallel()

	srv := New(pingerFunc(func(context.Context) error { return errors.New("db down") }), nil, nil, nil, config.Config{}, "v1", "abc", "now")
	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/openapi.yaml", nil)
	resp = httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestServer_ErrorsAreNormalized(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/pod_managers/missing", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "req-123", resp.Header().Get("X-Request-Id"))
	body := decodeProblem(t, resp)
	assert.Equal(t, "req-123", body.RequestID)
	assert.Equal(t, string(apierr.KindNotFound), body.Code)
	assert.Equal(t, http.StatusNotFound, body.Status)

	resp = h.do(t, http.MethodGet, "/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NotEmpty(t, decodeProblem(t, resp).RequestID)

	resp = h.do(t, http.MethodPost, "/v1/pod_managers", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(t, http.MethodPost, "/v1/pod_managers", `{"name":"a","url":"https://a","driver":"redfishv1","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(t, http.MethodPost, "/v1/nodes", compose.ComposeRequest{ComposeRequest: driver.ComposeRequest{Name: "n"}})
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "NoHostAvailable", decodeProblem(t, resp).Code)

	resp = h.do(t, http.MethodPut, "/v1/tasks", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestServer_PodManagerLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.createPodManager(t, "podm-1")

	resp := h.do(t, http.MethodGet, "/v1/pod_managers", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decodeEnvelope(t, resp).Metadata.Total)

	resp = h.do(t, http.MethodGet, "/v1/pod_managers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var view podmanager.View
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Spec, &view))
	require.NotNil(t, view.Info)
	assert.Equal(t, "1.0.0", view.Info.APIVersion)

	resp = h.do(t, http.MethodPatch, "/v1/pod_managers/"+id, map[string]string{"name": "renamed"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "renamed")

	resp = h.do(t, http.MethodPatch, "/v1/pod_managers/"+id, map[string]string{"url": "https://elsewhere"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(t, http.MethodGet, "/v1/pod_managers/"+id+"/systems", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decodeEnvelope(t, resp).Metadata.Total)

	resp = h.do(t, http.MethodGet, "/v1/pod_managers/"+id+"/systems/sys-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.do(t, http.MethodGet, "/v1/pod_managers/"+id+"/racks/rack-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "rack-1", decodeEnvelope(t, resp).Metadata.ID)

	resp = h.do(t, http.MethodDelete, "/v1/pod_managers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = h.do(t, http.MethodGet, "/v1/pod_managers/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestServer_NodeLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	podmID := h.createPodManager(t, "podm-1")

	resp := h.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "node-a", "podm_id": podmID})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	nodeID := decodeEnvelope(t, resp).Metadata.ID
	assert.Equal(t, "/v1/nodes/"+nodeID, resp.Header().Get("Location"))

	resp = h.do(t, http.MethodGet, "/v1/nodes?podm_id="+podmID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decodeEnvelope(t, resp).Metadata.Total)

	resp = h.do(t, http.MethodGet, "/v1/nodes?colour=red", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(t, http.MethodGet, "/v1/nodes/"+nodeID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = h.do(t, http.MethodPost, "/v1/nodes/"+nodeID+"/action", `{"Reset":{"Type":"On"}}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), "ACCEPTED")

	resp = h.do(t, http.MethodPost, "/v1/nodes/"+nodeID+"/action", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(t, http.MethodPost, "/v1/nodes/"+nodeID+"/ironic_params", map[string]any{"driver": "ipmi"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"driver":"ipmi"`)

	resp = h.do(t, http.MethodGet, "/v1/nodes/"+nodeID+"/ironic_params", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"driver":"redfish"`)

	resp = h.do(t, http.MethodPost, "/v1/nodes/manage", map[string]string{"podm_id": podmID, "node_index": "1"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = h.do(t, http.MethodDelete, "/v1/nodes/"+nodeID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "DELETED")

	resp = h.do(t, http.MethodPost, "/v1/nodes/manage", map[string]string{"podm_id": podmID, "node_index": "1"})
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestServer_AsyncComposition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	podmID := h.createPodManager(t, "podm-1")

	resp := h.do(t, http.MethodPost, "/v1/nodes?async=true", map[string]any{"name": "node-a", "podm_id": podmID})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	taskID := decodeEnvelope(t, resp).Metadata.ID

	var task model.Task
	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/v1/tasks/"+taskID, nil)
		if resp.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(decodeEnvelope(t, resp).Spec, &task); err != nil {
			return false
		}
		return task.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.TaskComplete, task.Status)

	resp = h.do(t, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decodeEnvelope(t, resp).Metadata.Total)

	resp = h.do(t, http.MethodDelete, "/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = h.do(t, http.MethodPost, "/v1/nodes?async=maybe", map[string]any{"name": "node-b"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestServer_DeviceSyncAndAttach(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	podmID := h.createPodManager(t, "podm-1")

	resp := h.do(t, http.MethodPost, "/v1/devices/sync", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var result reconcile.Result
	env := decodeEnvelope(t, resp)
	require.Len(t, env.Items, 1)
	require.NoError(t, json.Unmarshal(env.Items[0], &result))
	assert.Equal(t, reconcile.Result{PodmID: podmID, Status: reconcile.StatusSuccess, Counts: reconcile.Counts{Inserted: 1}}, result)

	resp = h.do(t, http.MethodPost, "/v1/devices/sync", map[string]string{"podm_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.do(t, http.MethodGet, "/v1/devices/sync/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decodeEnvelope(t, resp).Metadata.Total)

	resp = h.do(t, http.MethodGet, "/v1/devices?state=free", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	env = decodeEnvelope(t, resp)
	require.Len(t, env.Items, 1)
	var device model.Device
	require.NoError(t, json.Unmarshal(env.Items[0], &device))

	resp = h.do(t, http.MethodGet, "/v1/devices/"+device.UUID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = h.do(t, http.MethodPost, "/v1/devices/"+device.UUID+"/attach", map[string]string{"node_index": "1"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), "ATTACHED")

	resp = h.do(t, http.MethodPost, "/v1/devices/"+device.UUID+"/detach", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "DETACHED")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	srv := New(pingerFunc(func(context.Context) error { panic("boom") }), nil, nil, nil, config.Config{}, "v1", "abc", "now")
	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, string(apierr.KindInternal), decodeProblem(t, resp).Code)
}
