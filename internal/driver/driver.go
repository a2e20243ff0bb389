// Package driver defines the pod manager driver contract shared by the Redfish
// and ExpEther implementations.
package driver

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
)

// Kind selects a driver implementation.
type Kind string

// Supported driver kinds.
const (
	KindRedfish  Kind = model.DriverRedfishV1
	KindExpEther Kind = model.DriverExpEther
)

// Kinds returns every supported driver kind.
func Kinds() []Kind {
	return []Kind{KindRedfish, KindExpEther}
}

// ParseKind validates a driver name.
func ParseKind(name string) (Kind, error) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, kind := range Kinds() {
		if normalized == kind {
			return kind, nil
		}
	}
	return "", apierr.DriverNotFound(name)
}

// Driver is the capability set every pod manager variant implements. All
// operations block on outbound HTTP calls and never retry.
type Driver interface {
	// GetStatus probes the pod manager and returns Online, Offline or Unknown.
	GetStatus(ctx context.Context) string
	GetPodmInfo(ctx context.Context) (PodmInfo, error)
	ComposeNode(ctx context.Context, req ComposeRequest) (NodeDetail, error)
	DeleteComposedNode(ctx context.Context, index string) (Confirmation, error)
	NodeAction(ctx context.Context, index string, action Action) (Confirmation, error)
	ListRacks(ctx context.Context) ([]Rack, error)
	ShowRack(ctx context.Context, id string) (Rack, error)
	SystemsList(ctx context.Context, filters map[string]string) ([]SystemSummary, error)
	GetSystemByID(ctx context.Context, id string) (SystemDetail, error)
	GetAllDevices(ctx context.Context) ([]DeviceRecord, error)
	GetIronicNodeParams(ctx context.Context, node NodeDetail, overrides map[string]any) (IronicParams, error)
}

// NodeReader is implemented by drivers that can read back one composed node.
type NodeReader interface {
	GetComposedNode(ctx context.Context, index string) (NodeDetail, error)
}

// DevicePooler is implemented by drivers that attach pooled devices to nodes.
type DevicePooler interface {
	AttachDevice(ctx context.Context, deviceID, nodeIndex string) (Confirmation, error)
	DetachDevice(ctx context.Context, deviceID string) (Confirmation, error)
}

// Params carries what a factory needs to build one driver instance.
type Params struct {
	PodManager model.PodManager
	HTTP       HTTPConfig
	// RollbackTimeout bounds compensating calls issued after a failed composition.
	RollbackTimeout time.Duration
	Store           store.Store
	Logger          zerolog.Logger
}

// Factory builds a driver instance for one pod manager.
type Factory func(Params) (Driver, error)

// PodmInfo summarizes a pod manager's service root.
type PodmInfo struct {
	Driver     Kind              `json:"driver"`
	Status     string            `json:"status"`
	APIVersion string            `json:"api_version,omitempty"`
	Name       string            `json:"name,omitempty"`
	UUID       string            `json:"uuid,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// ComposeRequest is a node composition request.
type ComposeRequest struct {
	Name         string       `json:"name" validate:"required,max=255"`
	Description  string       `json:"description,omitempty"`
	Requirements Requirements `json:"requirements"`
}

// Requirements is a sparse hardware request; nil sections are omitted upstream.
type Requirements struct {
	Memory     *MemoryRequirement    `json:"memory,omitempty"`
	Processor  *ProcessorRequirement `json:"processor,omitempty"`
	LocalDrive *DriveRequirement     `json:"local_drive,omitempty"`
	Network    *NetworkRequirement   `json:"network,omitempty"`
	PCIDevice  *PCIDeviceRequirement `json:"pci_device,omitempty"`
}

// MemoryRequirement constrains composed memory.
type MemoryRequirement struct {
	CapacityMiB json.Number `json:"capacity_mib,omitempty"`
	Type        string      `json:"type,omitempty"`
}

// ProcessorRequirement constrains composed processors.
type ProcessorRequirement struct {
	Model          string      `json:"model,omitempty"`
	TotalCores     json.Number `json:"total_cores,omitempty"`
	InstructionSet string      `json:"instruction_set,omitempty"`
}

// DriveRequirement constrains local drives.
type DriveRequirement struct {
	CapacityGiB json.Number `json:"capacity_gib,omitempty"`
	Type        string      `json:"type,omitempty"`
	Interface   string      `json:"interface,omitempty"`
}

// NetworkRequirement constrains network interfaces.
type NetworkRequirement struct {
	SpeedMbps json.Number `json:"speed_mbps,omitempty"`
	VLANID    json.Number `json:"vlan_id,omitempty"`
}

// PCIDeviceRequirement lists pooled device types to attach, one device per entry.
type PCIDeviceRequirement struct {
	Type []string `json:"type"`
}

// DeviceTypes returns the requested pooled device types, if any.
func (r Requirements) DeviceTypes() []string {
	if r.PCIDevice == nil {
		return nil
	}
	return r.PCIDevice.Type
}

// NodeDetail is the live view of a composed node.
type NodeDetail struct {
	Index             string             `json:"index"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	ComputerSystemID  string             `json:"computer_system_id,omitempty"`
	VolumeIDs         []string           `json:"volume_id,omitempty"`
	ComposedNodeState string             `json:"composed_node_state,omitempty"`
	PowerState        string             `json:"power_state,omitempty"`
	Health            string             `json:"health,omitempty"`
	BootSource        *BootAction        `json:"boot_source,omitempty"`
	Processor         ProcessorSummary   `json:"processor"`
	Memory            MemorySummary      `json:"memory"`
	Network           []NetworkInterface `json:"network,omitempty"`
	Devices           []DeviceRecord     `json:"devices,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
}

// ProcessorSummary aggregates processor sub-resources.
type ProcessorSummary struct {
	Count      int    `json:"count"`
	Model      string `json:"model,omitempty"`
	TotalCores int    `json:"total_cores,omitempty"`
	Arch       string `json:"arch,omitempty"`
}

// MemorySummary aggregates memory sub-resources.
type MemorySummary struct {
	TotalMiB int    `json:"total_mib"`
	Type     string `json:"type,omitempty"`
}

// NetworkInterface is one Ethernet interface of a node or system.
type NetworkInterface struct {
	ID         string `json:"id,omitempty"`
	MacAddress string `json:"mac_address,omitempty"`
	SpeedMbps  int    `json:"speed_mbps,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Confirmation is returned by mutating operations.
type Confirmation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Action is a post-composition node action. Exactly one field is set.
type Action struct {
	Reset  *ResetAction  `json:"Reset,omitempty"`
	Boot   *BootAction   `json:"Boot,omitempty"`
	Attach *DeviceAction `json:"attach,omitempty"`
	Detach *DeviceAction `json:"detach,omitempty"`
}

// ResetAction requests a node reset.
type ResetAction struct {
	Type string `json:"Type"`
}

// BootAction overrides the boot source.
type BootAction struct {
	Enabled string `json:"Enabled"`
	Target  string `json:"Target"`
}

// DeviceAction names a pooled device for attach/detach.
type DeviceAction struct {
	ResourceID string `json:"resource_id"`
}

// BootOverrideModes lists the accepted BootSourceOverrideEnabled values.
var BootOverrideModes = []string{"Disabled", "Once", "Continuous"}

// ParseAction decodes a node action body, requiring exactly one known key.
func ParseAction(raw []byte) (Action, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return Action{}, apierr.BadRequest("node action body is not a JSON object: %v", err)
	}
	if len(keys) != 1 {
		names := make([]string, 0, len(keys))
		for key := range keys {
			names = append(names, key)
		}
		sort.Strings(names)
		return Action{}, apierr.BadRequest("exactly one node action is required, got %d (%s)", len(keys), strings.Join(names, ","))
	}

	var action Action
	for key, value := range keys {
		var err error
		switch key {
		case "Reset":
			action.Reset = &ResetAction{}
			err = json.Unmarshal(value, action.Reset)
		case "Boot":
			action.Boot = &BootAction{}
			err = json.Unmarshal(value, action.Boot)
		case "attach":
			action.Attach = &DeviceAction{}
			err = json.Unmarshal(value, action.Attach)
		case "detach":
			action.Detach = &DeviceAction{}
			err = json.Unmarshal(value, action.Detach)
		default:
			return Action{}, apierr.BadRequest("unsupported node action %q", key)
		}
		if err != nil {
			return Action{}, apierr.BadRequest("invalid %s action: %v", key, err)
		}
	}
	return action, nil
}

// Name returns the key of the populated action.
func (a Action) Name() string {
	switch {
	case a.Reset != nil:
		return "Reset"
	case a.Boot != nil:
		return "Boot"
	case a.Attach != nil:
		return "attach"
	case a.Detach != nil:
		return "detach"
	default:
		return ""
	}
}

// SystemSummary is one entry of a systems listing.
type SystemSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	SystemType string `json:"system_type,omitempty"`
	PowerState string `json:"power_state,omitempty"`
	Health     string `json:"health,omitempty"`
	URI        string `json:"uri,omitempty"`
}

// SystemDetail is the full view of one system.
type SystemDetail struct {
	SystemSummary
	Manufacturer string             `json:"manufacturer,omitempty"`
	Model        string             `json:"model,omitempty"`
	SerialNumber string             `json:"serial_number,omitempty"`
	Processor    ProcessorSummary   `json:"processor"`
	Memory       MemorySummary      `json:"memory"`
	Network      []NetworkInterface `json:"network,omitempty"`
	Location     []string           `json:"location,omitempty"`
	Extra        map[string]string  `json:"extra,omitempty"`
}

// Rack is a rack chassis with the systems it contains.
type Rack struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	URI      string   `json:"uri,omitempty"`
	Chassis  []string `json:"chassis,omitempty"`
	Systems  []string `json:"systems,omitempty"`
	Location []string `json:"location,omitempty"`
}

// DeviceRecord is one pooled device as reported by the fabric.
type DeviceRecord struct {
	Type          string                 `json:"type"`
	ResourceURI   string                 `json:"resource_uri"`
	PooledGroupID string                 `json:"pooled_group_id"`
	NodeID        string                 `json:"node_id,omitempty"`
	State         string                 `json:"state"`
	Properties    model.DeviceProperties `json:"properties"`
	Extra         map[string]string      `json:"extra,omitempty"`
}

// IronicParams are the arguments a provisioning system needs to enroll a node.
type IronicParams struct {
	NodeArgs map[string]any   `json:"node_args"`
	PortArgs []map[string]any `json:"port_args"`
}
