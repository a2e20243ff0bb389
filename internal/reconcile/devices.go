package reconcile

import (
	"context"
	"errors"
	"strings"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

// AttachRequest names the node a device is attached to.
type AttachRequest struct {
	NodeIndex string `json:"node_index"`
}

// ListDevices returns stored devices matching filter.
func (r *Reconciler) ListDevices(ctx context.Context, filter store.Filter) ([]model.Device, error) {
	if err := filter.Validate(store.DeviceFilterFields); err != nil {
		return nil, apierr.BadRequest("%v", err)
	}
	return r.store.ListDevices(ctx, filter)
}

// GetDevice returns one stored device.
func (r *Reconciler) GetDevice(ctx context.Context, id string) (model.Device, error) {
	device, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return model.Device{}, deviceError(err, id)
	}
	return device, nil
}

// AttachDevice attaches a pooled device to a node of the device's pod manager.
func (r *Reconciler) AttachDevice(ctx context.Context, deviceID string, req AttachRequest) (driver.Confirmation, error) {
	nodeIndex := strings.TrimSpace(req.NodeIndex)
	if nodeIndex == "" {
		return driver.Confirmation{}, apierr.BadRequest("node_index is required")
	}
	device, pooler, err := r.pooler(ctx, deviceID)
	if err != nil {
		return driver.Confirmation{}, err
	}

	confirmation, err := pooler.AttachDevice(ctx, device.UUID, nodeIndex)
	if err != nil {
		return driver.Confirmation{}, err
	}
	events.Emit(ctx, r.publisher, r.logger, events.TypeDeviceAttached, device.UUID, map[string]string{"podm_id": device.PodmID, "index": nodeIndex})
	return confirmation, nil
}

// DetachDevice returns a pooled device to the free pool.
func (r *Reconciler) DetachDevice(ctx context.Context, deviceID string) (driver.Confirmation, error) {
	device, pooler, err := r.pooler(ctx, deviceID)
	if err != nil {
		return driver.Confirmation{}, err
	}

	confirmation, err := pooler.DetachDevice(ctx, device.UUID)
	if err != nil {
		return driver.Confirmation{}, err
	}
	events.Emit(ctx, r.publisher, r.logger, events.TypeDeviceDetached, device.UUID, map[string]string{"podm_id": device.PodmID, "index": device.NodeID})
	return confirmation, nil
}

func (r *Reconciler) pooler(ctx context.Context, deviceID string) (model.Device, driver.DevicePooler, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return model.Device{}, nil, deviceError(err, deviceID)
	}
	conn, err := r.conns.GetConnection(ctx, device.PodmID)
	if err != nil {
		return model.Device{}, nil, err
	}
	pooler, ok := conn.(driver.DevicePooler)
	if !ok {
		return model.Device{}, nil, apierr.BadRequest("pod manager %s does not manage pooled devices", device.PodmID)
	}
	return device, pooler, nil
}

func deviceError(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound("device %s not found", id).WithCause(err)
	}
	return err
}
