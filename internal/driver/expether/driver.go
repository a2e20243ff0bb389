// Package expether implements the pod manager driver for NEC ExpEther fabric
// managers. Composition attaches pooled EEIO devices to an EESV host by
// reassigning group ids instead of allocating nodes.
package expether

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

const defaultRollbackTimeout = 30 * time.Second

// Driver talks to one ExpEther manager and keeps the local device pool in sync
// with the group-id changes it makes.
type Driver struct {
	podm            model.PodManager
	eem             *eemClient
	store           store.Store
	rollbackTimeout time.Duration
	logger          zerolog.Logger

	// mu serializes fabric mutations issued through this pod manager. It is
	// shared by every Driver built for the same pod manager id.
	mu *sync.Mutex
}

// podmLocks holds one mutation lock per pod manager id.
var podmLocks sync.Map

func podmLock(podmID string) *sync.Mutex {
	lock, _ := podmLocks.LoadOrStore(podmID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.NodeReader   = (*Driver)(nil)
	_ driver.DevicePooler = (*Driver)(nil)
)

// New is the driver.Factory for expether pod managers.
func New(params driver.Params) (driver.Driver, error) {
	return NewDriver(params)
}

// NewDriver builds an ExpEther driver for one pod manager.
func NewDriver(params driver.Params) (*Driver, error) {
	if params.Store == nil {
		return nil, apierr.Internal("expether driver requires a datastore")
	}
	username, password, _ := params.PodManager.BasicCredentials()
	client, err := driver.NewHTTPClient(driver.KindExpEther, params.PodManager.URL, params.HTTP, username, password, normalizeError)
	if err != nil {
		return nil, err
	}

	rollbackTimeout := params.RollbackTimeout
	if rollbackTimeout <= 0 {
		rollbackTimeout = defaultRollbackTimeout
	}

	return &Driver{
		podm:            params.PodManager,
		eem:             &eemClient{http: client},
		store:           params.Store,
		rollbackTimeout: rollbackTimeout,
		logger:          params.Logger.With().Str("component", "expether").Str("podm_id", params.PodManager.UUID).Logger(),
		mu:              podmLock(params.PodManager.UUID),
	}, nil
}

// GetStatus probes the EEM api version endpoint.
func (d *Driver) GetStatus(ctx context.Context) string {
	if _, err := d.eem.apiVersion(ctx); err != nil {
		if apierr.IsKind(err, apierr.KindAuthorizationFailure) {
			return model.PodManagerUnknown
		}
		return model.PodManagerOffline
	}
	return model.PodManagerOnline
}

// GetPodmInfo reports the EEM api version and inventory size.
func (d *Driver) GetPodmInfo(ctx context.Context) (driver.PodmInfo, error) {
	version, err := d.eem.apiVersion(ctx)
	if err != nil {
		return driver.PodmInfo{}, err
	}
	devices, err := d.eem.listDevices(ctx)
	if err != nil {
		return driver.PodmInfo{}, err
	}
	eesvs := 0
	for _, device := range devices {
		if device.isEESV() {
			eesvs++
		}
	}
	return driver.PodmInfo{
		Driver:     driver.KindExpEther,
		Status:     model.PodManagerOnline,
		APIVersion: version,
		Name:       d.podm.Name,
		UUID:       d.podm.UUID,
		Details: map[string]string{
			"eesv_count": fmt.Sprint(eesvs),
			"eeio_count": fmt.Sprint(len(devices) - eesvs),
		},
	}, nil
}

// GetAllDevices returns every EEIO on the fabric.
func (d *Driver) GetAllDevices(ctx context.Context) ([]driver.DeviceRecord, error) {
	devices, err := d.eem.listDevices(ctx)
	if err != nil {
		return nil, err
	}
	return toDeviceRecords(devices), nil
}

// ComposeNode selects a free EESV and attaches one free device per requested
// type. Devices attached earlier in a failed attempt are detached again.
func (d *Driver) ComposeNode(ctx context.Context, req driver.ComposeRequest) (driver.NodeDetail, error) {
	if req.Requirements.Memory != nil || req.Requirements.Processor != nil ||
		req.Requirements.LocalDrive != nil || req.Requirements.Network != nil {
		return driver.NodeDetail{}, apierr.BadRequest("expether pod managers only accept pci_device requirements")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	selected, err := d.selectFreeDevices(ctx, req.Requirements.DeviceTypes())
	if err != nil {
		return driver.NodeDetail{}, err
	}

	eesv, err := d.selectFreeEESV(ctx)
	if err != nil {
		return driver.NodeDetail{}, err
	}
	logger := d.logger.With().Str("eesv", eesv.ID).Logger()

	var (
		attached []model.Device
		warnings []string
	)
	for _, device := range selected {
		result, attachErr := d.attachLocked(ctx, device.UUID, eesv.ID)
		if attachErr != nil {
			logger.Warn().Err(attachErr).Str("device", device.UUID).Int("attached", len(attached)).Msg("attach failed during composition")
			return driver.NodeDetail{}, d.rollbackAttached(ctx, attached, attachErr)
		}
		if result.warning != "" {
			warnings = append(warnings, result.warning)
		}
		attached = append(attached, result.device)
	}

	detail := d.nodeDetail(eesv, attached)
	detail.Name = req.Name
	detail.Description = req.Description
	detail.Warnings = warnings
	return detail, nil
}

// rollbackAttached detaches devices attached in the current attempt on a fresh
// context. Detach failures are joined to the original cause.
func (d *Driver) rollbackAttached(ctx context.Context, attached []model.Device, cause error) error {
	if len(attached) == 0 {
		return cause
	}
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.rollbackTimeout)
	defer cancel()

	var failures []error
	for i := len(attached) - 1; i >= 0; i-- {
		if _, err := d.detachLocked(rbCtx, attached[i].UUID); err != nil {
			failures = append(failures, fmt.Errorf("detaching %s: %w", attached[i].UUID, err))
		}
	}
	if len(failures) == 0 {
		recordRollback("success")
		return cause
	}

	recordRollback("failed")
	status := http.StatusInternalServerError
	if apiErr, ok := apierr.As(cause); ok {
		status = apiErr.Status
	}
	detail := fmt.Sprintf("%v; detaching %d previously attached device(s) failed: %v", cause, len(failures), errors.Join(failures...))
	return apierr.ExpEther(status, "Composition failed, devices may remain attached", detail).
		WithCause(errors.Join(append([]error{cause}, failures...)...))
}

func (d *Driver) selectFreeDevices(ctx context.Context, types []string) ([]model.Device, error) {
	chosen := make(map[string]bool, len(types))
	selected := make([]model.Device, 0, len(types))
	for _, requested := range types {
		kind := strings.ToUpper(strings.TrimSpace(requested))
		if !contains(SupportedDeviceTypes, kind) {
			return nil, apierr.BadRequest("unsupported device type %q (supported: %s)", requested, strings.Join(SupportedDeviceTypes, ","))
		}

		candidates, err := d.store.ListDevices(ctx, store.Filter{
			"podm_id": d.podm.UUID,
			"type":    kind,
			"state":   model.DeviceStateFree,
		})
		if err != nil {
			return nil, fmt.Errorf("listing free %s devices: %w", kind, err)
		}

		found := false
		for _, candidate := range candidates {
			if candidate.IsFree() && !chosen[candidate.UUID] {
				chosen[candidate.UUID] = true
				selected = append(selected, candidate)
				found = true
				break
			}
		}
		if !found {
			return nil, apierr.ExpEther(http.StatusNotFound, "No free device", fmt.Sprintf("no free %s device is available on pod manager %s", kind, d.podm.Name))
		}
	}
	return selected, nil
}

func (d *Driver) selectFreeEESV(ctx context.Context) (eemDevice, error) {
	devices, err := d.eem.listDevices(ctx)
	if err != nil {
		return eemDevice{}, err
	}
	nodes, err := d.store.ListComposedNodes(ctx, store.Filter{"podm_id": d.podm.UUID})
	if err != nil {
		return eemDevice{}, fmt.Errorf("listing composed nodes: %w", err)
	}
	used := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		used[node.Index] = true
	}

	eesvs := make([]eemDevice, 0)
	for _, device := range devices {
		if device.isEESV() && !used[device.ID] {
			eesvs = append(eesvs, device)
		}
	}
	if len(eesvs) == 0 {
		return eemDevice{}, apierr.ExpEther(http.StatusNotFound, "No free EESV", fmt.Sprintf("every EESV on pod manager %s is already composed", d.podm.Name))
	}
	sort.Slice(eesvs, func(i, j int) bool { return eesvs[i].ID < eesvs[j].ID })
	return eesvs[0], nil
}

// DeleteComposedNode detaches every device attached to the EESV, stopping at
// the first failure.
func (d *Driver) DeleteComposedNode(ctx context.Context, index string) (driver.Confirmation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, err := d.store.ListDevices(ctx, store.Filter{"podm_id": d.podm.UUID, "node_id": index})
	if err != nil {
		return driver.Confirmation{}, fmt.Errorf("listing devices of node %s: %w", index, err)
	}
	for _, device := range devices {
		if _, err := d.detachLocked(ctx, device.UUID); err != nil {
			return driver.Confirmation{}, err
		}
	}
	return driver.Confirmation{
		Code:   "DELETED",
		Detail: fmt.Sprintf("composed node %s released, %d device(s) detached", index, len(devices)),
	}, nil
}

// NodeAction attaches or detaches a pooled device. Reset and boot overrides
// are not offered by the EEM API.
func (d *Driver) NodeAction(ctx context.Context, index string, action driver.Action) (driver.Confirmation, error) {
	switch {
	case action.Attach != nil:
		return d.AttachDevice(ctx, action.Attach.ResourceID, index)
	case action.Detach != nil:
		device, err := d.store.GetDevice(ctx, action.Detach.ResourceID)
		if err != nil {
			return driver.Confirmation{}, storeError(err, "device", action.Detach.ResourceID)
		}
		if device.NodeID != "" && device.NodeID != index {
			return driver.Confirmation{}, apierr.BadRequest("device %s is attached to %s, not %s", device.UUID, device.NodeID, index)
		}
		return d.DetachDevice(ctx, device.UUID)
	default:
		return driver.Confirmation{}, apierr.BadRequest("node action %q is not supported by expether pod managers", action.Name())
	}
}

// GetComposedNode reads the EESV behind a composed node and its attached devices.
func (d *Driver) GetComposedNode(ctx context.Context, index string) (driver.NodeDetail, error) {
	eesv, err := d.eem.getDevice(ctx, index)
	if err != nil {
		if isNotFound(err) {
			return driver.NodeDetail{}, apierr.NotFound("EESV %s does not exist on the pod manager", index).WithCause(err)
		}
		return driver.NodeDetail{}, err
	}
	devices, err := d.store.ListDevices(ctx, store.Filter{"podm_id": d.podm.UUID, "node_id": index})
	if err != nil {
		return driver.NodeDetail{}, fmt.Errorf("listing devices of node %s: %w", index, err)
	}
	return d.nodeDetail(eesv, devices), nil
}

func (d *Driver) nodeDetail(eesv eemDevice, devices []model.Device) driver.NodeDetail {
	detail := driver.NodeDetail{
		Index:            eesv.ID,
		Name:             eesv.ID,
		ComputerSystemID: eesv.ID,
		PowerState:       eesv.PowerStatus,
	}
	if eesv.MACAddress != "" {
		detail.Network = []driver.NetworkInterface{{ID: eesv.ID, MacAddress: eesv.MACAddress}}
	}
	for _, device := range devices {
		detail.Devices = append(detail.Devices, toRecord(device))
	}
	return detail
}

// SystemsList lists EESV hosts.
func (d *Driver) SystemsList(ctx context.Context, filters map[string]string) ([]driver.SystemSummary, error) {
	allowed := []string{"id", "name", "group_id"}
	for key := range filters {
		if !contains(allowed, key) {
			return nil, apierr.BadRequest("unsupported systems filter %q (allowed: %s)", key, strings.Join(allowed, ","))
		}
	}

	devices, err := d.eem.listDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]driver.SystemSummary, 0)
	for _, device := range devices {
		if !device.isEESV() {
			continue
		}
		summary := toSystemSummary(device)
		if want, ok := filters["id"]; ok && summary.ID != want {
			continue
		}
		if want, ok := filters["name"]; ok && summary.Name != want {
			continue
		}
		if want, ok := filters["group_id"]; ok && device.GroupID != want {
			continue
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSystemByID returns one EESV.
func (d *Driver) GetSystemByID(ctx context.Context, id string) (driver.SystemDetail, error) {
	device, err := d.eem.getDevice(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return driver.SystemDetail{}, apierr.NotFound("system %s does not exist on the pod manager", id).WithCause(err)
		}
		return driver.SystemDetail{}, err
	}
	if !device.isEESV() {
		return driver.SystemDetail{}, apierr.NotFound("device %s is not an EESV", id)
	}

	used, limit := device.counts()
	detail := driver.SystemDetail{
		SystemSummary: toSystemSummary(device),
		Model:         device.HostModel,
		SerialNumber:  device.HostSerialNumber,
		Extra: map[string]string{
			"group_id":       device.GroupID,
			"eeio_count":     fmt.Sprint(used),
			"max_eeio_count": fmt.Sprint(limit),
		},
	}
	if device.MACAddress != "" {
		detail.Network = []driver.NetworkInterface{{ID: device.ID, MacAddress: device.MACAddress}}
	}
	return detail, nil
}

// ListRacks returns no racks; ExpEther fabrics have no chassis hierarchy.
func (d *Driver) ListRacks(ctx context.Context) ([]driver.Rack, error) {
	return []driver.Rack{}, nil
}

// ShowRack always reports NotFound.
func (d *Driver) ShowRack(ctx context.Context, id string) (driver.Rack, error) {
	return driver.Rack{}, apierr.NotFound("rack %s does not exist; expether pod managers expose no racks", id)
}

// GetIronicNodeParams derives enrollment arguments for an EESV host.
func (d *Driver) GetIronicNodeParams(ctx context.Context, node driver.NodeDetail, overrides map[string]any) (driver.IronicParams, error) {
	nodeArgs := map[string]any{
		"name":        node.Name,
		"driver":      "ipmi",
		"driver_info": map[string]any{},
		"properties": map[string]any{
			"cpu_arch":     "x86_64",
			"eesv_id":      node.Index,
			"pooled_count": len(node.Devices),
		},
	}
	driver.MergeOverrides(nodeArgs, overrides)
	return driver.IronicParams{NodeArgs: nodeArgs, PortArgs: driver.PortArgs(node.Network)}, nil
}

func toSystemSummary(device eemDevice) driver.SystemSummary {
	name := device.HostSerialNumber
	if name == "" {
		name = device.ID
	}
	return driver.SystemSummary{
		ID:         device.ID,
		Name:       name,
		SystemType: "EESV",
		PowerState: device.PowerStatus,
		URI:        resourceURI(device.ID),
	}
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}

func storeError(err error, kind, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound("%s %s not found", kind, id).WithCause(err)
	case errors.Is(err, store.ErrVersionConflict):
		return apierr.Conflict("%s %s was modified concurrently", kind, id).WithCause(err)
	default:
		return err
	}
}
