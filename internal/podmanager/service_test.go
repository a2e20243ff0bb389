package podmanager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/registry"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

// fabricState is the reachability shared by every stub connection.
type fabricState struct {
	mu     sync.Mutex
	status map[string]string
}

func (f *fabricState) set(url, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[url] = status
}

func (f *fabricState) get(url string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.status[url]; ok {
		return status
	}
	return model.PodManagerOnline
}

type stubConn struct {
	driver.Driver
	podm  model.PodManager
	state *fabricState
}

func (c stubConn) GetStatus(context.Context) string { return c.state.get(c.podm.URL) }

func (c stubConn) GetPodmInfo(context.Context) (driver.PodmInfo, error) {
	if c.state.get(c.podm.URL) != model.PodManagerOnline {
		return driver.PodmInfo{}, apierr.ServiceUnavailable("pod manager offline")
	}
	return driver.PodmInfo{Driver: driver.Kind(c.podm.Driver), Status: model.PodManagerOnline, APIVersion: "1.2"}, nil
}

func (c stubConn) SystemsList(_ context.Context, filters map[string]string) ([]driver.SystemSummary, error) {
	return []driver.SystemSummary{{ID: "sys-1", Name: filters["name"]}}, nil
}

func (c stubConn) GetSystemByID(_ context.Context, id string) (driver.SystemDetail, error) {
	return driver.SystemDetail{SystemSummary: driver.SystemSummary{ID: id}}, nil
}

func (c stubConn) ListRacks(context.Context) ([]driver.Rack, error) {
	return []driver.Rack{{ID: "rack-1"}}, nil
}

func (c stubConn) ShowRack(_ context.Context, id string) (driver.Rack, error) {
	return driver.Rack{ID: id}, nil
}

type recordingForgetter struct {
	mu     sync.Mutex
	forgot []string
}

func (f *recordingForgetter) Forget(podmID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, podmID)
}

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	reg      *registry.Registry
	state    *fabricState
	recorder *events.Recorder
	forget   *recordingForgetter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	state := &fabricState{status: map[string]string{}}
	factory := func(params driver.Params) (driver.Driver, error) {
		return stubConn{podm: params.PodManager, state: state}, nil
	}
	reg, err := registry.New(st, registry.Config{Factories: map[driver.Kind]driver.Factory{
		driver.KindRedfish:  factory,
		driver.KindExpEther: factory,
	}}, zerolog.Nop())
	require.NoError(t, err)

	recorder := &events.Recorder{}
	forget := &recordingForgetter{}
	return fixture{
		svc:      New(st, reg, recorder, Config{}, zerolog.Nop(), forget),
		store:    st,
		reg:      reg,
		state:    state,
		recorder: recorder,
		forget:   forget,
	}
}

func createRequest(name string) CreateRequest {
	return CreateRequest{
		Name:   name,
		URL:    "https://" + name + ".example/",
		Driver: model.DriverRedfishV1,
		Authentication: []model.AuthMethod{{
			Type:      model.AuthTypeBasic,
			AuthItems: map[string]string{"username": "admin", "password": "secret"},
		}},
	}
}

func TestCreate_ProbesStatusAndRedacts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.state.set("https://podm-1.example", model.PodManagerOffline)

	podm, err := f.svc.Create(context.Background(), createRequest("podm-1"))
	require.NoError(t, err)
	assert.Equal(t, "https://podm-1.example", podm.URL)
	assert.Equal(t, model.PodManagerOffline, podm.Status)
	assert.Equal(t, "***", podm.Authentication[0].AuthItems["password"])

	stored, err := f.store.GetPodManager(context.Background(), podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.Authentication[0].AuthItems["password"])
	assert.Equal(t, []string{events.TypePodManagerRegistered}, f.recorder.Types())
}

func TestCreate_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, createRequest("podm-1"))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, createRequest("podm-1"))
	assert.True(t, apierr.IsKind(err, apierr.KindResourceExists))

	req := createRequest("podm-2")
	req.Driver = "openbmc"
	_, err = f.svc.Create(ctx, req)
	assert.True(t, apierr.IsKind(err, apierr.KindDriverNotFound))

	req = createRequest("podm-3")
	req.URL = "not a url"
	_, err = f.svc.Create(ctx, req)
	assert.True(t, apierr.IsKind(err, apierr.KindBadRequest))

	req = createRequest("podm-4")
	req.Authentication = []model.AuthMethod{{AuthItems: map[string]string{"username": "x"}}}
	_, err = f.svc.Create(ctx, req)
	assert.True(t, apierr.IsKind(err, apierr.KindBadRequest))
}

func TestGet_IncludesLiveInfoWhenReachable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	podm, err := f.svc.Create(context.Background(), createRequest("podm-1"))
	require.NoError(t, err)

	view, err := f.svc.Get(context.Background(), podm.UUID)
	require.NoError(t, err)
	require.NotNil(t, view.Info)
	assert.Equal(t, "1.2", view.Info.APIVersion)

	f.state.set(podm.URL, model.PodManagerOffline)
	view, err = f.svc.Get(context.Background(), podm.UUID)
	require.NoError(t, err)
	assert.Nil(t, view.Info)

	_, err = f.svc.Get(context.Background(), "missing")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestUpdate_InvalidatesConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	podm, err := f.svc.Create(ctx, createRequest("podm-1"))
	require.NoError(t, err)
	_, err = f.reg.GetConnection(ctx, podm.UUID)
	require.NoError(t, err)
	require.Equal(t, 1, f.reg.Connections())

	name := "renamed"
	updated, err := f.svc.Update(ctx, podm.UUID, UpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "***", updated.Authentication[0].AuthItems["password"])
	assert.Zero(t, f.reg.Connections())

	empty := ""
	_, err = f.svc.Update(ctx, podm.UUID, UpdateRequest{Name: &empty})
	assert.True(t, apierr.IsKind(err, apierr.KindBadRequest))
}

func TestDelete_CascadesAndForgets(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	podm, err := f.svc.Create(ctx, createRequest("podm-1"))
	require.NoError(t, err)
	_, err = f.store.CreateComposedNode(ctx, model.ComposedNode{UUID: "n1", Index: "1", Name: "n1", PodmID: podm.UUID})
	require.NoError(t, err)
	_, err = f.store.CreateDevice(ctx, model.Device{PodmID: podm.UUID, ResourceURI: "devices/a", Type: "NIC"})
	require.NoError(t, err)
	_, err = f.reg.GetConnection(ctx, podm.UUID)
	require.NoError(t, err)

	counts, err := f.svc.Delete(ctx, podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, store.CascadeCounts{Nodes: 1, Devices: 1}, counts)
	assert.Zero(t, f.reg.Connections())
	assert.Equal(t, []string{podm.UUID}, f.forget.forgot)
	assert.Equal(t, []string{events.TypePodManagerRegistered, events.TypePodManagerRemoved}, f.recorder.Types())

	_, err = f.svc.Delete(ctx, podm.UUID)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestSyncStatus_RecordsChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	podm, err := f.svc.Create(ctx, createRequest("podm-1"))
	require.NoError(t, err)
	require.Equal(t, model.PodManagerOnline, podm.Status)

	require.NoError(t, f.svc.SyncStatus(ctx))
	assert.Equal(t, []string{events.TypePodManagerRegistered}, f.recorder.Types())

	f.state.set(podm.URL, model.PodManagerOffline)
	require.NoError(t, f.svc.SyncStatus(ctx))

	stored, err := f.store.GetPodManager(ctx, podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.PodManagerOffline, stored.Status)
	assert.Equal(t, []string{events.TypePodManagerRegistered, events.TypePodManagerStatus}, f.recorder.Types())
}

func TestInventoryPassthrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	podm, err := f.svc.Create(ctx, createRequest("podm-1"))
	require.NoError(t, err)

	systems, err := f.svc.Systems(ctx, podm.UUID, map[string]string{"name": "s"})
	require.NoError(t, err)
	require.Len(t, systems, 1)
	assert.Equal(t, "s", systems[0].Name)

	system, err := f.svc.System(ctx, podm.UUID, "sys-9")
	require.NoError(t, err)
	assert.Equal(t, "sys-9", system.ID)

	racks, err := f.svc.Racks(ctx, podm.UUID)
	require.NoError(t, err)
	assert.Len(t, racks, 1)

	rack, err := f.svc.Rack(ctx, podm.UUID, "rack-7")
	require.NoError(t, err)
	assert.Equal(t, "rack-7", rack.ID)

	_, err = f.svc.Racks(ctx, "missing")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestBootstrap_SkipsKnownURLs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, createRequest("podm-1"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pod_managers:
  - name: podm-1-again
    url: https://podm-1.example
    driver: redfishv1
  - name: eem-1
    url: https://eem-1.example
    driver: expether
    authentication:
      - type: basic
        auth_items:
          username: admin
          password: secret
`), 0o600))

	file, err := LoadBootstrap(path)
	require.NoError(t, err)
	require.Len(t, file.PodManagers, 2)

	added, err := f.svc.Bootstrap(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = f.svc.Bootstrap(ctx, file)
	require.NoError(t, err)
	assert.Zero(t, added)

	podms, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, podms, 2)
	assert.Equal(t, "eem-1", podms[0].Name)
	assert.Equal(t, "***", podms[0].Authentication[0].AuthItems["password"])
}

func TestLoadBootstrap_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadBootstrap(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pod_managers: {"), 0o600))
	_, err = LoadBootstrap(path)
	require.Error(t, err)
}
