package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

type fabric struct {
	driver.Driver

	mu       sync.Mutex
	devices  []driver.DeviceRecord
	err      error
	attached map[string]string
	// onList runs before the device list is returned.
	onList func()
}

func (f *fabric) GetAllDevices(context.Context) ([]driver.DeviceRecord, error) {
	if f.onList != nil {
		f.onList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]driver.DeviceRecord(nil), f.devices...), nil
}

func (f *fabric) set(records ...driver.DeviceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = records
}

func (f *fabric) AttachDevice(_ context.Context, deviceID, nodeIndex string) (driver.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = map[string]string{}
	}
	f.attached[deviceID] = nodeIndex
	return driver.Confirmation{Code: "ATTACHED"}, nil
}

func (f *fabric) DetachDevice(_ context.Context, deviceID string) (driver.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, deviceID)
	return driver.Confirmation{Code: "DETACHED"}, nil
}

// hardwareOnly has no pooled devices and cannot attach.
type hardwareOnly struct {
	driver.Driver
}

type connector map[string]driver.Driver

func (c connector) GetConnection(_ context.Context, podmID string) (driver.Driver, error) {
	conn, ok := c[podmID]
	if !ok {
		return nil, apierr.ServiceUnavailable("pod manager %s unreachable", podmID)
	}
	return conn, nil
}

// countingStore records device mutations.
type countingStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	inserts int
	updates int
	deletes int
}

func (s *countingStore) CreateDevice(ctx context.Context, device model.Device) (model.Device, error) {
	s.mu.Lock()
	s.inserts++
	s.mu.Unlock()
	return s.MemoryStore.CreateDevice(ctx, device)
}

func (s *countingStore) UpdateDevice(ctx context.Context, device model.Device) (model.Device, error) {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.MemoryStore.UpdateDevice(ctx, device)
}

func (s *countingStore) DeleteDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	s.deletes++
	s.mu.Unlock()
	return s.MemoryStore.DeleteDevice(ctx, id)
}

func (s *countingStore) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts + s.updates + s.deletes
}

func nic(id, groupID, nodeID string) driver.DeviceRecord {
	gid, node, state := model.DeviceAttachment(groupID, nodeID)
	return driver.DeviceRecord{
		Type:          "NIC",
		ResourceURI:   "devices/" + id,
		PooledGroupID: gid,
		NodeID:        node,
		State:         state,
		Properties:    model.DeviceProperties{DeviceID: id},
	}
}

type fixture struct {
	store    *countingStore
	fabric   *fabric
	podm     model.PodManager
	rec      *Reconciler
	recorder *events.Recorder
	conns    connector
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	podm, err := st.CreatePodManager(context.Background(), model.PodManager{Name: "eem-1", URL: "https://eem-1", Driver: model.DriverExpEther})
	require.NoError(t, err)

	fab := &fabric{}
	conns := connector{podm.UUID: fab}
	recorder := &events.Recorder{}
	return fixture{
		store:    st,
		fabric:   fab,
		podm:     podm,
		rec:      New(st, conns, recorder, Config{}, zerolog.Nop()),
		recorder: recorder,
		conns:    conns,
	}
}

func (f fixture) devices(t *testing.T) map[string]model.Device {
	t.Helper()
	items, err := f.store.ListDevices(context.Background(), store.Filter{"podm_id": f.podm.UUID})
	require.NoError(t, err)
	out := make(map[string]model.Device, len(items))
	for _, item := range items {
		out[item.ResourceURI] = item
	}
	return out
}

func TestUpdateDeviceInfo_InsertsUpdatesDeletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fabric.set(nic("a", "", ""), nic("b", "", ""), nic("c", "", ""))

	counts, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Inserted: 3}, counts)

	f.fabric.set(nic("a", "", ""), nic("c", "7", "E1"), nic("d", "", ""))
	counts, err = f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Inserted: 1, Updated: 1, Deleted: 1}, counts)

	devices := f.devices(t)
	require.Len(t, devices, 3)
	assert.NotContains(t, devices, "devices/b")
	assert.Equal(t, f.podm.UUID, devices["devices/d"].PodmID)
	assert.Equal(t, "E1", devices["devices/c"].NodeID)
	assert.Equal(t, model.DeviceStateAllocated, devices["devices/c"].State)
}

func TestUpdateDeviceInfo_RecomputesOwnerOnGroupChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.MemoryStore.CreateDevice(ctx, model.Device{
		PodmID: f.podm.UUID, Type: "NIC", ResourceURI: "devices/D1",
		PooledGroupID: "1234", NodeID: "E1", State: model.DeviceStateAllocated,
	})
	require.NoError(t, err)
	f.fabric.set(nic("D1", "5678", "E2"))

	counts, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1}, counts)

	d1 := f.devices(t)["devices/D1"]
	assert.Equal(t, "5678", d1.PooledGroupID)
	assert.Equal(t, "E2", d1.NodeID)
	assert.Equal(t, int64(2), d1.Version)
}

func TestUpdateDeviceInfo_SecondRunIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fabric.set(nic("a", "", ""), nic("b", "9", "E9"), nic("b", "9", "E9"))

	_, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	first := f.store.mutations()
	assert.Equal(t, 2, first)

	counts, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
	assert.Equal(t, first, f.store.mutations())
}

// attachInStore marks the device at uri allocated the way a completed attach does.
func (f fixture) attachInStore(t *testing.T, uri, groupID, nodeID string) {
	t.Helper()
	device := f.devices(t)[uri]
	device.PooledGroupID, device.NodeID, device.State = model.DeviceAttachment(groupID, nodeID)
	_, err := f.store.MemoryStore.UpdateDevice(context.Background(), device)
	require.NoError(t, err)
}

func TestUpdateDeviceInfo_KeepsAttachCompletedDuringPass(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fabric.set(nic("a", "", ""))
	_, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)

	// The fabric listing predates an attach whose store write lands while
	// the pass is running.
	f.fabric.onList = func() { f.attachInStore(t, "devices/a", "5", "E5") }
	counts, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())

	a := f.devices(t)["devices/a"]
	assert.Equal(t, model.DeviceStateAllocated, a.State)
	assert.Equal(t, "E5", a.NodeID)
	assert.Equal(t, "5", a.PooledGroupID)
}

func TestUpdateDeviceInfo_DefersDevicesChangedDuringPass(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fabric.set(nic("a", "", ""), nic("b", "", ""))
	_, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)

	f.fabric.set(nic("a", "7", "E7"), nic("b", "8", "E8"))
	f.fabric.onList = func() { f.attachInStore(t, "devices/a", "5", "E5") }
	counts, err := f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1, Conflicts: 1}, counts)

	devices := f.devices(t)
	assert.Equal(t, "E5", devices["devices/a"].NodeID)
	assert.Equal(t, "E8", devices["devices/b"].NodeID)

	f.fabric.onList = nil
	counts, err = f.rec.UpdateDeviceInfo(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1}, counts)
	assert.Equal(t, "E7", f.devices(t)["devices/a"].NodeID)
}

func TestUpdateDeviceInfo_FabricErrorMutatesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fabric.err = apierr.ExpEther(502, "", "eem down")

	_, err := f.rec.UpdateDeviceInfo(context.Background(), f.podm.UUID)
	require.Error(t, err)
	assert.Zero(t, f.store.mutations())
}

func TestSynchronizeDevices_IsolatesFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	broken, err := f.store.CreatePodManager(ctx, model.PodManager{Name: "eem-2", URL: "https://eem-2", Driver: model.DriverExpEther})
	require.NoError(t, err)
	f.fabric.set(nic("a", "", ""))

	results, err := f.rec.SynchronizeDevices(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 2)

	byPodm := map[string]Result{}
	for _, result := range results {
		byPodm[result.PodmID] = result
	}
	assert.Equal(t, StatusSuccess, byPodm[f.podm.UUID].Status)
	assert.Equal(t, 1, byPodm[f.podm.UUID].Counts.Inserted)
	assert.Equal(t, StatusFailed, byPodm[broken.UUID].Status)
	assert.Contains(t, byPodm[broken.UUID].Error, "unreachable")

	status, ok := f.rec.Status(broken.UUID)
	require.True(t, ok)
	assert.Equal(t, int64(1), status.FailedRuns)
	assert.NotEmpty(t, status.LastError)
	assert.False(t, status.InProgress)

	status, ok = f.rec.Status(f.podm.UUID)
	require.True(t, ok)
	assert.Equal(t, int64(1), status.SuccessfulRuns)
	require.NotNil(t, status.LastSyncAt)
	assert.Len(t, f.rec.Statuses(), 2)
	assert.Equal(t, []string{events.TypeDevicesReconciled}, f.recorder.Types())

	f.rec.Forget(broken.UUID)
	_, ok = f.rec.Status(broken.UUID)
	assert.False(t, ok)
}

func TestSynchronizeDevices_SinglePodManager(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	results, err := f.rec.SynchronizeDevices(context.Background(), f.podm.UUID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Empty(t, f.recorder.Events())

	_, err = f.rec.SynchronizeDevices(context.Background(), "missing")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestSynchronizeDevices_SweepsStaleIntents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutIntent(ctx, model.DeviceIntent{
		DeviceID: "d1", PodmID: f.podm.UUID, Operation: model.IntentAttach, CreatedAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, f.store.PutIntent(ctx, model.DeviceIntent{
		DeviceID: "d2", PodmID: f.podm.UUID, Operation: model.IntentDetach, CreatedAt: time.Now().Add(time.Hour),
	}))

	_, err := f.rec.SynchronizeDevices(ctx, f.podm.UUID)
	require.NoError(t, err)

	intents, err := f.store.ListIntents(ctx, f.podm.UUID)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "d2", intents[0].DeviceID)

	status, _ := f.rec.Status(f.podm.UUID)
	assert.Equal(t, 1, status.SweptIntents)
}

func TestSynchronizeDevices_FailedPassKeepsIntents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutIntent(ctx, model.DeviceIntent{
		DeviceID: "d1", PodmID: f.podm.UUID, Operation: model.IntentAttach, CreatedAt: time.Now().Add(-time.Minute),
	}))
	f.fabric.err = errors.New("boom")

	results, err := f.rec.SynchronizeDevices(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results[0].Status)

	intents, err := f.store.ListIntents(ctx, f.podm.UUID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}
