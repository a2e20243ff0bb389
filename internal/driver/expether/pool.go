package expether

import (
	"context"
	"fmt"
	"net/http"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/metrics"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

type attachResult struct {
	device  model.Device
	warning string
}

// AttachDevice attaches a free pooled device to an EESV.
func (d *Driver) AttachDevice(ctx context.Context, deviceID, nodeIndex string) (driver.Confirmation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.attachLocked(ctx, deviceID, nodeIndex)
	if err != nil {
		return driver.Confirmation{}, err
	}
	detail := fmt.Sprintf("device %s attached to %s with group id %s", deviceID, nodeIndex, result.device.PooledGroupID)
	if result.warning != "" {
		detail += "; " + result.warning
	}
	return driver.Confirmation{Code: "ATTACHED", Detail: detail}, nil
}

// DetachDevice returns a device to the free pool. Detaching a free device is a no-op.
func (d *Driver) DetachDevice(ctx context.Context, deviceID string) (driver.Confirmation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	device, err := d.detachLocked(ctx, deviceID)
	if err != nil {
		return driver.Confirmation{}, err
	}
	return driver.Confirmation{Code: "DETACHED", Detail: fmt.Sprintf("device %s is free (group id %s)", device.UUID, device.PooledGroupID)}, nil
}

// attachLocked runs the attach state machine. The fabric is mutated before the
// datastore, and a pending intent covers the window between the two writes.
func (d *Driver) attachLocked(ctx context.Context, deviceID, eesvID string) (attachResult, error) {
	device, err := d.store.GetDevice(ctx, deviceID)
	if err != nil {
		return attachResult{}, storeError(err, "device", deviceID)
	}
	if device.PodmID != d.podm.UUID {
		return attachResult{}, apierr.BadRequest("device %s belongs to pod manager %s", deviceID, device.PodmID)
	}
	if !device.IsFree() {
		return attachResult{}, apierr.BadRequest("device %s is already attached to %q (group id %s)", deviceID, device.NodeID, device.PooledGroupID)
	}

	eesv, err := d.eem.getDevice(ctx, eesvID)
	if err != nil {
		if isNotFound(err) {
			return attachResult{}, apierr.NotFound("EESV %s does not exist on the pod manager", eesvID).WithCause(err)
		}
		return attachResult{}, err
	}
	if !eesv.isEESV() {
		return attachResult{}, apierr.BadRequest("device %s is not an EESV", eesvID)
	}

	var warning string
	if eesv.GroupID == "" || eesv.GroupID == model.DefaultEESVGroupID {
		groupID, err := d.activateEESV(ctx, eesv.ID)
		if err != nil {
			return attachResult{}, err
		}
		eesv.GroupID = groupID
		warning = fmt.Sprintf("EESV %s was activated with group id %s; its host may need a reboot before attached devices appear", eesv.ID, groupID)
		d.logger.Warn().Str("eesv", eesv.ID).Str("group_id", groupID).Msg("EESV activated")
	}

	used, limit := eesv.counts()
	if limit > 0 && used >= limit {
		return attachResult{}, apierr.ExpEther(http.StatusConflict, "EESV capacity reached",
			fmt.Sprintf("EESV %s already has %d of %d devices attached", eesv.ID, used, limit))
	}

	intent := model.DeviceIntent{DeviceID: device.UUID, PodmID: d.podm.UUID, Operation: model.IntentAttach, NodeID: eesv.ID}
	if err := d.store.PutIntent(ctx, intent); err != nil {
		return attachResult{}, fmt.Errorf("recording attach intent: %w", err)
	}

	if err := d.eem.setGroupID(ctx, fabricID(device), eesv.GroupID); err != nil {
		d.clearIntent(ctx, device.UUID)
		return attachResult{}, err
	}

	device.PooledGroupID, device.NodeID, device.State = model.DeviceAttachment(eesv.GroupID, eesv.ID)
	updated, err := d.store.UpdateDevice(ctx, device)
	if err != nil {
		d.logger.Error().Err(err).Str("device", device.UUID).Msg("fabric attached but datastore write failed, intent left for reconciliation")
		return attachResult{}, storeError(err, "device", device.UUID)
	}
	d.clearIntent(ctx, device.UUID)
	metrics.DeviceOperationsTotal.WithLabelValues(model.IntentAttach).Inc()

	return attachResult{device: updated, warning: warning}, nil
}

func (d *Driver) detachLocked(ctx context.Context, deviceID string) (model.Device, error) {
	device, err := d.store.GetDevice(ctx, deviceID)
	if err != nil {
		return model.Device{}, storeError(err, "device", deviceID)
	}
	if device.PodmID != d.podm.UUID {
		return model.Device{}, apierr.BadRequest("device %s belongs to pod manager %s", deviceID, device.PodmID)
	}
	if device.IsFree() {
		return device, nil
	}

	intent := model.DeviceIntent{DeviceID: device.UUID, PodmID: d.podm.UUID, Operation: model.IntentDetach, NodeID: device.NodeID}
	if err := d.store.PutIntent(ctx, intent); err != nil {
		return model.Device{}, fmt.Errorf("recording detach intent: %w", err)
	}

	if err := d.eem.deleteGroupID(ctx, fabricID(device)); err != nil {
		d.clearIntent(ctx, device.UUID)
		return model.Device{}, err
	}

	device.PooledGroupID, device.NodeID, device.State = model.DeviceAttachment("", "")
	updated, err := d.store.UpdateDevice(ctx, device)
	if err != nil {
		d.logger.Error().Err(err).Str("device", device.UUID).Msg("fabric detached but datastore write failed, intent left for reconciliation")
		return model.Device{}, storeError(err, "device", device.UUID)
	}
	d.clearIntent(ctx, device.UUID)
	metrics.DeviceOperationsTotal.WithLabelValues(model.IntentDetach).Inc()
	return updated, nil
}

// activateEESV assigns the smallest unused group id to an EESV still on the
// default group id.
func (d *Driver) activateEESV(ctx context.Context, eesvID string) (string, error) {
	devices, err := d.eem.listDevices(ctx)
	if err != nil {
		return "", err
	}
	groupID, ok := freshGroupID(devices)
	if !ok {
		return "", apierr.ExpEther(http.StatusConflict, "No group id available", "every ExpEther group id is in use")
	}
	if err := d.eem.setGroupID(ctx, eesvID, groupID); err != nil {
		return "", err
	}
	return groupID, nil
}

func (d *Driver) clearIntent(ctx context.Context, deviceID string) {
	if err := d.store.DeleteIntent(context.WithoutCancel(ctx), deviceID); err != nil {
		d.logger.Warn().Err(err).Str("device", deviceID).Msg("clearing device intent failed")
	}
}

func recordRollback(result string) {
	metrics.RollbacksTotal.WithLabelValues(string(driver.KindExpEther), result).Inc()
}
