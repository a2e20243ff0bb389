package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

func seedDevice(t *testing.T, f fixture) model.Device {
	t.Helper()
	f.fabric.set(nic("a", "", ""))
	_, err := f.rec.UpdateDeviceInfo(context.Background(), f.podm.UUID)
	require.NoError(t, err)
	return f.devices(t)["devices/a"]
}

func TestAttachDetach_ResolvesPodManagerConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	device := seedDevice(t, f)

	confirmation, err := f.rec.AttachDevice(context.Background(), device.UUID, AttachRequest{NodeIndex: "E1"})
	require.NoError(t, err)
	assert.Equal(t, "ATTACHED", confirmation.Code)
	assert.Equal(t, "E1", f.fabric.attached[device.UUID])

	confirmation, err = f.rec.DetachDevice(context.Background(), device.UUID)
	require.NoError(t, err)
	assert.Equal(t, "DETACHED", confirmation.Code)
	assert.Empty(t, f.fabric.attached)
	assert.Equal(t, []string{events.TypeDevicesReconciled, events.TypeDeviceAttached, events.TypeDeviceDetached}, f.recorder.Types())
}

func TestAttach_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	device := seedDevice(t, f)

	_, err := f.rec.AttachDevice(context.Background(), device.UUID, AttachRequest{})
	assert.True(t, apierr.IsKind(err, apierr.KindBadRequest))

	_, err = f.rec.AttachDevice(context.Background(), "missing", AttachRequest{NodeIndex: "E1"})
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))

	f.conns[f.podm.UUID] = hardwareOnly{}
	_, err = f.rec.DetachDevice(context.Background(), device.UUID)
	assert.True(t, apierr.IsKind(err, apierr.KindBadRequest))
}

func TestListDevices_ValidatesFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	device := seedDevice(t, f)

	items, err := f.rec.ListDevices(context.Background(), store.Filter{"state": model.DeviceStateFree})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	got, err := f.rec.GetDevice(context.Background(), device.UUID)
	require.NoError(t, err)
	assert.Equal(t, device.ResourceURI, got.ResourceURI)

	_, err = f.rec.ListDevices(context.Background(), store.Filter{"owner": "x"})
	assert.True(t, apierr.IsKind(err, apierr.KindBadRequest))
}
