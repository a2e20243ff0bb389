// Package store defines persistence contracts for the valence service.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when a write would violate a uniqueness constraint.
	ErrConflict = errors.New("resource conflict")
	// ErrVersionConflict is returned when a device update carries a stale version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidFilter is returned for filters on unsupported fields.
	ErrInvalidFilter = errors.New("invalid filter")
)

// Filter holds equality filters keyed by field name.
type Filter map[string]string

// DeviceFilterFields lists the device fields ListDevices can filter on.
var DeviceFilterFields = []string{"podm_id", "node_id", "type", "state", "pooled_group_id", "resource_uri"}

// NodeFilterFields lists the composed-node fields ListComposedNodes can filter on.
var NodeFilterFields = []string{"podm_id", "index", "managed_by", "name"}

// Validate rejects keys outside allowed.
func (f Filter) Validate(allowed []string) error {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		found := false
		for _, candidate := range allowed {
			if key == candidate {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: unsupported field %q (allowed: %s)", ErrInvalidFilter, key, strings.Join(allowed, ","))
		}
	}
	return nil
}

// CascadeCounts reports records removed alongside a pod manager.
type CascadeCounts struct {
	Nodes   int `json:"nodes"`
	Devices int `json:"devices"`
	Intents int `json:"intents"`
}

// PodManagerStore persists pod manager records.
type PodManagerStore interface {
	CreatePodManager(ctx context.Context, podm model.PodManager) (model.PodManager, error)
	GetPodManager(ctx context.Context, id string) (model.PodManager, error)
	ListPodManagers(ctx context.Context) ([]model.PodManager, error)
	UpdatePodManager(ctx context.Context, podm model.PodManager) (model.PodManager, error)
	// DeletePodManager removes the record together with its nodes, devices
	// and pending intents.
	DeletePodManager(ctx context.Context, id string) (CascadeCounts, error)
}

// NodeStore persists composed node records.
type NodeStore interface {
	CreateComposedNode(ctx context.Context, node model.ComposedNode) (model.ComposedNode, error)
	GetComposedNode(ctx context.Context, id string) (model.ComposedNode, error)
	ListComposedNodes(ctx context.Context, filter Filter) ([]model.ComposedNode, error)
	UpdateComposedNode(ctx context.Context, node model.ComposedNode) (model.ComposedNode, error)
	DeleteComposedNode(ctx context.Context, id string) error
}

// DeviceStore persists pooled device records.
type DeviceStore interface {
	CreateDevice(ctx context.Context, device model.Device) (model.Device, error)
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevices(ctx context.Context, filter Filter) ([]model.Device, error)
	// UpdateDevice replaces a device when device.Version matches the stored
	// version and returns the record with its version bumped.
	UpdateDevice(ctx context.Context, device model.Device) (model.Device, error)
	DeleteDevice(ctx context.Context, id string) error
}

// TaskStore persists asynchronous composition tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task model.Task) (model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	UpdateTask(ctx context.Context, task model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// IntentStore persists pending device attach/detach intents.
type IntentStore interface {
	PutIntent(ctx context.Context, intent model.DeviceIntent) error
	DeleteIntent(ctx context.Context, deviceID string) error
	ListIntents(ctx context.Context, podmID string) ([]model.DeviceIntent, error)
}

// Store is the datastore façade used by the service.
type Store interface {
	// Ping checks datastore connectivity for readiness probes.
	Ping(ctx context.Context) error

	PodManagerStore
	NodeStore
	DeviceStore
	TaskStore
	IntentStore
}
