// Package types defines the public response envelopes of the valence API.
package types

// APIVersion is stamped on every enveloped response.
const APIVersion = "valence/v1"

// Resource kinds.
const (
	KindPodManager     = "PodManager"
	KindPodManagerList = "PodManagerList"
	KindSystem         = "System"
	KindSystemList     = "SystemList"
	KindRack           = "Rack"
	KindRackList       = "RackList"
	KindNode           = "ComposedNode"
	KindNodeList       = "ComposedNodeList"
	KindDevice         = "Device"
	KindDeviceList     = "DeviceList"
	KindTask           = "Task"
	KindTaskList       = "TaskList"
	KindConfirmation   = "Confirmation"
	KindIronicParams   = "IronicParams"
	KindSyncResult     = "DeviceSyncResult"
	KindSyncStatus     = "DeviceSyncStatus"
	KindCascade        = "PodManagerDeletion"
)

// Metadata identifies a single resource.
type Metadata struct {
	ID string `json:"id,omitempty"`
}

// Resource wraps one resource.
type Resource[T any] struct {
	Kind       string   `json:"kind"`
	APIVersion string   `json:"apiVersion"`
	Metadata   Metadata `json:"metadata"`
	Spec       T        `json:"spec"`
}

// ListMetadata describes a list response.
type ListMetadata struct {
	Total int `json:"total"`
}

// ResourceList wraps a list of resources.
type ResourceList[T any] struct {
	Kind       string       `json:"kind"`
	APIVersion string       `json:"apiVersion"`
	Metadata   ListMetadata `json:"metadata"`
	Items      []T          `json:"items"`
}

// NewResource builds a Resource envelope.
func NewResource[T any](kind, id string, spec T) Resource[T] {
	return Resource[T]{Kind: kind, APIVersion: APIVersion, Metadata: Metadata{ID: id}, Spec: spec}
}

// NewResourceList builds a ResourceList envelope. A nil slice is rendered as
// an empty list.
func NewResourceList[T any](kind string, items []T) ResourceList[T] {
	if items == nil {
		items = []T{}
	}
	return ResourceList[T]{Kind: kind, APIVersion: APIVersion, Metadata: ListMetadata{Total: len(items)}, Items: items}
}

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

// HealthStatus is the body of GET /health and GET /readiness.
type HealthStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
