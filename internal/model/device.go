package model

import "time"

// Device allocation states.
const (
	DeviceStateFree      = "free"
	DeviceStateAllocated = "allocated"
)

const (
	// DefaultPooledGroupID is the ExpEther group id of an unattached EEIO device.
	DefaultPooledGroupID = "4093"
	// DefaultEESVGroupID is the group id of an EESV that was never individually addressed.
	DefaultEESVGroupID = "4094"
)

// DeviceProperties carries the device identity reported by the fabric.
type DeviceProperties struct {
	DeviceID   string `json:"device_id,omitempty"`
	MacAddress string `json:"mac_address,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Device is a pooled device managed by an ExpEther pod manager.
type Device struct {
	UUID          string            `json:"uuid"`
	PodmID        string            `json:"podm_id"`
	Type          string            `json:"type"`
	State         string            `json:"state"`
	NodeID        string            `json:"node_id,omitempty"`
	PooledGroupID string            `json:"pooled_group_id"`
	ResourceURI   string            `json:"resource_uri"`
	Properties    DeviceProperties  `json:"properties"`
	Extra         map[string]string `json:"extra,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// IsFree reports whether the device is unattached on both fields that encode
// attachment.
func (d Device) IsFree() bool {
	return d.NodeID == "" && (d.PooledGroupID == "" || d.PooledGroupID == DefaultPooledGroupID)
}

// DeviceAttachment returns the state fields implied by a group id and owner.
func DeviceAttachment(groupID, nodeID string) (string, string, string) {
	if groupID == "" || groupID == DefaultPooledGroupID || nodeID == "" {
		return DefaultPooledGroupID, "", DeviceStateFree
	}
	return groupID, nodeID, DeviceStateAllocated
}

// Device intent operations.
const (
	IntentAttach = "attach"
	IntentDetach = "detach"
)

// DeviceIntent records a fabric mutation that has been started but whose
// datastore write has not yet been confirmed.
type DeviceIntent struct {
	DeviceID  string    `json:"device_id"`
	PodmID    string    `json:"podm_id"`
	Operation string    `json:"operation"`
	NodeID    string    `json:"node_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
