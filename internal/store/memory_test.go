package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

func seedPodManager(t *testing.T, st store.Store, name string) model.PodManager {
	t.Helper()
	podm, err := st.CreatePodManager(context.Background(), model.PodManager{
		Name:   name,
		URL:    "https://" + name + ".example:8443",
		Driver: model.DriverExpEther,
		Authentication: []model.AuthMethod{{
			Type:      model.AuthTypeBasic,
			AuthItems: map[string]string{"username": "admin", "password": "secret"},
		}},
		Status: model.PodManagerOnline,
	})
	require.NoError(t, err)
	return podm
}

func TestMemoryStore_PodManagerUniqueness(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	podm := seedPodManager(t, st, "pod-a")
	assert.NotEmpty(t, podm.UUID)
	assert.False(t, podm.CreatedAt.IsZero())

	_, err := st.CreatePodManager(ctx, model.PodManager{Name: "pod-a", URL: "https://other", Driver: model.DriverExpEther})
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = st.CreatePodManager(ctx, model.PodManager{Name: "pod-b", URL: podm.URL, Driver: model.DriverExpEther})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	podm := seedPodManager(t, st, "pod-a")

	podm.Authentication[0].AuthItems["password"] = "mutated"
	stored, err := st.GetPodManager(ctx, podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.Authentication[0].AuthItems["password"])
}

func TestMemoryStore_DeviceVersionConflict(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	podm := seedPodManager(t, st, "pod-a")

	device, err := st.CreateDevice(ctx, model.Device{
		PodmID:        podm.UUID,
		Type:          "NIC",
		State:         model.DeviceStateFree,
		PooledGroupID: model.DefaultPooledGroupID,
		ResourceURI:   "devices/0x8cdf9d911c01",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), device.Version)

	first := device
	first.State = model.DeviceStateAllocated
	first.NodeID = "node-1"
	first.PooledGroupID = "12"
	updated, err := st.UpdateDevice(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	stale := device
	stale.State = model.DeviceStateAllocated
	stale.NodeID = "node-2"
	_, err = st.UpdateDevice(ctx, stale)
	require.ErrorIs(t, err, store.ErrVersionConflict)

	stored, err := st.GetDevice(ctx, device.UUID)
	require.NoError(t, err)
	assert.Equal(t, "node-1", stored.NodeID)
}

func TestMemoryStore_DeviceUniqueResourceURI(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	podm := seedPodManager(t, st, "pod-a")

	_, err := st.CreateDevice(ctx, model.Device{PodmID: podm.UUID, ResourceURI: "devices/1"})
	require.NoError(t, err)
	_, err = st.CreateDevice(ctx, model.Device{PodmID: podm.UUID, ResourceURI: "devices/1"})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestMemoryStore_ListDevicesFilter(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	podm := seedPodManager(t, st, "pod-a")

	for _, device := range []model.Device{
		{PodmID: podm.UUID, Type: "NIC", State: model.DeviceStateFree, ResourceURI: "devices/b"},
		{PodmID: podm.UUID, Type: "NIC", State: model.DeviceStateAllocated, NodeID: "n1", ResourceURI: "devices/a"},
		{PodmID: podm.UUID, Type: "GPU", State: model.DeviceStateFree, ResourceURI: "devices/c"},
	} {
		_, err := st.CreateDevice(ctx, device)
		require.NoError(t, err)
	}

	items, err := st.ListDevices(ctx, store.Filter{"type": "NIC"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "devices/a", items[0].ResourceURI)
	assert.Equal(t, "devices/b", items[1].ResourceURI)

	items, err = st.ListDevices(ctx, store.Filter{"state": model.DeviceStateFree, "type": "GPU"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = st.ListDevices(ctx, store.Filter{"color": "blue"})
	require.ErrorIs(t, err, store.ErrInvalidFilter)
}

func TestMemoryStore_DeletePodManagerCascades(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	podm := seedPodManager(t, st, "pod-a")
	other := seedPodManager(t, st, "pod-b")

	_, err := st.CreateComposedNode(ctx, model.ComposedNode{Index: "1", Name: "n1", PodmID: podm.UUID})
	require.NoError(t, err)
	device, err := st.CreateDevice(ctx, model.Device{PodmID: podm.UUID, ResourceURI: "devices/1"})
	require.NoError(t, err)
	_, err = st.CreateDevice(ctx, model.Device{PodmID: other.UUID, ResourceURI: "devices/1"})
	require.NoError(t, err)
	require.NoError(t, st.PutIntent(ctx, model.DeviceIntent{DeviceID: device.UUID, PodmID: podm.UUID, Operation: model.IntentAttach}))

	counts, err := st.DeletePodManager(ctx, podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, store.CascadeCounts{Nodes: 1, Devices: 1, Intents: 1}, counts)

	remaining, err := st.ListDevices(ctx, nil)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, other.UUID, remaining[0].PodmID)

	_, err = st.DeletePodManager(ctx, podm.UUID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_ComposedNodeIndexUniquePerPodManager(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	podm := seedPodManager(t, st, "pod-a")
	other := seedPodManager(t, st, "pod-b")

	_, err := st.CreateComposedNode(ctx, model.ComposedNode{Index: "1", Name: "n1", PodmID: podm.UUID})
	require.NoError(t, err)
	_, err = st.CreateComposedNode(ctx, model.ComposedNode{Index: "1", Name: "n1", PodmID: other.UUID})
	require.NoError(t, err)
	_, err = st.CreateComposedNode(ctx, model.ComposedNode{Index: "1", Name: "dup", PodmID: podm.UUID})
	require.ErrorIs(t, err, store.ErrConflict)

	nodes, err := st.ListComposedNodes(ctx, store.Filter{"podm_id": podm.UUID})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestMemoryStore_Intents(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.PutIntent(ctx, model.DeviceIntent{DeviceID: "d2", PodmID: "p1", Operation: model.IntentDetach}))
	require.NoError(t, st.PutIntent(ctx, model.DeviceIntent{DeviceID: "d1", PodmID: "p1", Operation: model.IntentAttach, NodeID: "n1"}))
	require.NoError(t, st.PutIntent(ctx, model.DeviceIntent{DeviceID: "d3", PodmID: "p2", Operation: model.IntentAttach}))

	items, err := st.ListIntents(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "d1", items[0].DeviceID)
	assert.False(t, items[0].CreatedAt.IsZero())

	require.NoError(t, st.DeleteIntent(ctx, "d1"))
	require.NoError(t, st.DeleteIntent(ctx, "missing"))
	all, err := st.ListIntents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStore_Tasks(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	task, err := st.CreateTask(ctx, model.Task{Status: model.TaskCreated, RequestBody: []byte(`{"name":"n"}`)})
	require.NoError(t, err)

	task.Status = model.TaskInProgress
	updated, err := st.UpdateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, updated.Status)
	assert.Equal(t, task.CreatedAt, updated.CreatedAt)

	require.NoError(t, st.DeleteTask(ctx, task.UUID))
	_, err = st.GetTask(ctx, task.UUID)
	require.ErrorIs(t, err, store.ErrNotFound)
}
