package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

// MemoryStore implements Store with in-process maps. It backs dev mode and
// unit tests.
type MemoryStore struct {
	mu sync.RWMutex

	podms   map[string]model.PodManager
	nodes   map[string]model.ComposedNode
	devices map[string]model.Device
	tasks   map[string]model.Task
	intents map[string]model.DeviceIntent

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		podms:   make(map[string]model.PodManager),
		nodes:   make(map[string]model.ComposedNode),
		devices: make(map[string]model.Device),
		tasks:   make(map[string]model.Task),
		intents: make(map[string]model.DeviceIntent),
		now:     time.Now,
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreatePodManager inserts a pod manager.
func (s *MemoryStore) CreatePodManager(ctx context.Context, podm model.PodManager) (model.PodManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.podms {
		if existing.Name == podm.Name || existing.URL == podm.URL {
			return model.PodManager{}, fmt.Errorf("%w: pod manager name or url already registered", ErrConflict)
		}
	}
	if strings.TrimSpace(podm.UUID) == "" {
		podm.UUID = uuid.NewString()
	}
	if _, exists := s.podms[podm.UUID]; exists {
		return model.PodManager{}, fmt.Errorf("%w: pod manager %q", ErrConflict, podm.UUID)
	}
	now := s.now().UTC()
	podm.CreatedAt = now
	podm.UpdatedAt = now
	s.podms[podm.UUID] = clonePodManager(podm)
	return clonePodManager(podm), nil
}

// GetPodManager returns one pod manager.
func (s *MemoryStore) GetPodManager(ctx context.Context, id string) (model.PodManager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	podm, ok := s.podms[id]
	if !ok {
		return model.PodManager{}, fmt.Errorf("pod manager %q: %w", id, ErrNotFound)
	}
	return clonePodManager(podm), nil
}

// ListPodManagers returns all pod managers ordered by name.
func (s *MemoryStore) ListPodManagers(ctx context.Context) ([]model.PodManager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.PodManager, 0, len(s.podms))
	for _, podm := range s.podms {
		items = append(items, clonePodManager(podm))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// UpdatePodManager replaces a pod manager.
func (s *MemoryStore) UpdatePodManager(ctx context.Context, podm model.PodManager) (model.PodManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.podms[podm.UUID]
	if !ok {
		return model.PodManager{}, fmt.Errorf("pod manager %q: %w", podm.UUID, ErrNotFound)
	}
	for id, other := range s.podms {
		if id != podm.UUID && (other.Name == podm.Name || other.URL == podm.URL) {
			return model.PodManager{}, fmt.Errorf("%w: pod manager name or url already registered", ErrConflict)
		}
	}
	podm.CreatedAt = existing.CreatedAt
	podm.UpdatedAt = s.now().UTC()
	s.podms[podm.UUID] = clonePodManager(podm)
	return clonePodManager(podm), nil
}

// DeletePodManager removes a pod manager and everything that references it.
func (s *MemoryStore) DeletePodManager(ctx context.Context, id string) (CascadeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.podms[id]; !ok {
		return CascadeCounts{}, fmt.Errorf("pod manager %q: %w", id, ErrNotFound)
	}

	counts := CascadeCounts{}
	for nodeID, node := range s.nodes {
		if node.PodmID == id {
			delete(s.nodes, nodeID)
			counts.Nodes++
		}
	}
	for deviceID, device := range s.devices {
		if device.PodmID == id {
			delete(s.devices, deviceID)
			counts.Devices++
		}
	}
	for deviceID, intent := range s.intents {
		if intent.PodmID == id {
			delete(s.intents, deviceID)
			counts.Intents++
		}
	}
	delete(s.podms, id)
	return counts, nil
}

// CreateComposedNode inserts a composed node.
func (s *MemoryStore) CreateComposedNode(ctx context.Context, node model.ComposedNode) (model.ComposedNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.nodes {
		if existing.PodmID == node.PodmID && existing.Index == node.Index {
			return model.ComposedNode{}, fmt.Errorf("%w: node index %q already recorded for pod manager %q", ErrConflict, node.Index, node.PodmID)
		}
	}
	if strings.TrimSpace(node.UUID) == "" {
		node.UUID = uuid.NewString()
	}
	now := s.now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now
	s.nodes[node.UUID] = cloneNode(node)
	return cloneNode(node), nil
}

// GetComposedNode returns one composed node.
func (s *MemoryStore) GetComposedNode(ctx context.Context, id string) (model.ComposedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return model.ComposedNode{}, fmt.Errorf("composed node %q: %w", id, ErrNotFound)
	}
	return cloneNode(node), nil
}

// ListComposedNodes returns nodes matching filter ordered by creation.
func (s *MemoryStore) ListComposedNodes(ctx context.Context, filter Filter) ([]model.ComposedNode, error) {
	if err := filter.Validate(NodeFilterFields); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.ComposedNode, 0)
	for _, node := range s.nodes {
		if matches(filter, nodeField(node)) {
			items = append(items, cloneNode(node))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].UUID < items[j].UUID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// UpdateComposedNode replaces a composed node.
func (s *MemoryStore) UpdateComposedNode(ctx context.Context, node model.ComposedNode) (model.ComposedNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[node.UUID]
	if !ok {
		return model.ComposedNode{}, fmt.Errorf("composed node %q: %w", node.UUID, ErrNotFound)
	}
	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = s.now().UTC()
	s.nodes[node.UUID] = cloneNode(node)
	return cloneNode(node), nil
}

// DeleteComposedNode removes a composed node.
func (s *MemoryStore) DeleteComposedNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("composed node %q: %w", id, ErrNotFound)
	}
	delete(s.nodes, id)
	return nil
}

// CreateDevice inserts a device at version 1.
func (s *MemoryStore) CreateDevice(ctx context.Context, device model.Device) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if existing.PodmID == device.PodmID && existing.ResourceURI == device.ResourceURI {
			return model.Device{}, fmt.Errorf("%w: device %q already recorded for pod manager %q", ErrConflict, device.ResourceURI, device.PodmID)
		}
	}
	if strings.TrimSpace(device.UUID) == "" {
		device.UUID = uuid.NewString()
	}
	now := s.now().UTC()
	device.Version = 1
	device.CreatedAt = now
	device.UpdatedAt = now
	s.devices[device.UUID] = cloneDevice(device)
	return cloneDevice(device), nil
}

// GetDevice returns one device.
func (s *MemoryStore) GetDevice(ctx context.Context, id string) (model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	return cloneDevice(device), nil
}

// ListDevices returns devices matching filter ordered by resource URI.
func (s *MemoryStore) ListDevices(ctx context.Context, filter Filter) ([]model.Device, error) {
	if err := filter.Validate(DeviceFilterFields); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.Device, 0)
	for _, device := range s.devices {
		if matches(filter, deviceField(device)) {
			items = append(items, cloneDevice(device))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ResourceURI == items[j].ResourceURI {
			return items[i].UUID < items[j].UUID
		}
		return items[i].ResourceURI < items[j].ResourceURI
	})
	return items, nil
}

// UpdateDevice replaces a device guarded by its version.
func (s *MemoryStore) UpdateDevice(ctx context.Context, device model.Device) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[device.UUID]
	if !ok {
		return model.Device{}, fmt.Errorf("device %q: %w", device.UUID, ErrNotFound)
	}
	if existing.Version != device.Version {
		return model.Device{}, fmt.Errorf("device %q at version %d (stored %d): %w", device.UUID, device.Version, existing.Version, ErrVersionConflict)
	}
	device.Version = existing.Version + 1
	device.CreatedAt = existing.CreatedAt
	device.UpdatedAt = s.now().UTC()
	s.devices[device.UUID] = cloneDevice(device)
	return cloneDevice(device), nil
}

// DeleteDevice removes a device.
func (s *MemoryStore) DeleteDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	delete(s.devices, id)
	return nil
}

// CreateTask inserts a task.
func (s *MemoryStore) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(task.UUID) == "" {
		task.UUID = uuid.NewString()
	}
	if _, exists := s.tasks[task.UUID]; exists {
		return model.Task{}, fmt.Errorf("%w: task %q", ErrConflict, task.UUID)
	}
	now := s.now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.UUID] = cloneTask(task)
	return cloneTask(task), nil
}

// GetTask returns one task.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return cloneTask(task), nil
}

// ListTasks returns all tasks, newest first.
func (s *MemoryStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		items = append(items, cloneTask(task))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].UUID < items[j].UUID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// UpdateTask replaces a task.
func (s *MemoryStore) UpdateTask(ctx context.Context, task model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.UUID]
	if !ok {
		return model.Task{}, fmt.Errorf("task %q: %w", task.UUID, ErrNotFound)
	}
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = s.now().UTC()
	s.tasks[task.UUID] = cloneTask(task)
	return cloneTask(task), nil
}

// DeleteTask removes a task.
func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

// PutIntent records or replaces the pending intent for a device.
func (s *MemoryStore) PutIntent(ctx context.Context, intent model.DeviceIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = s.now().UTC()
	}
	s.intents[intent.DeviceID] = intent
	return nil
}

// DeleteIntent clears the pending intent for a device. Missing intents are ignored.
func (s *MemoryStore) DeleteIntent(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.intents, deviceID)
	return nil
}

// ListIntents returns pending intents, optionally limited to one pod manager.
func (s *MemoryStore) ListIntents(ctx context.Context, podmID string) ([]model.DeviceIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.DeviceIntent, 0)
	for _, intent := range s.intents {
		if podmID != "" && intent.PodmID != podmID {
			continue
		}
		items = append(items, intent)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DeviceID < items[j].DeviceID })
	return items, nil
}

func matches(filter Filter, field func(string) string) bool {
	for key, want := range filter {
		if field(key) != want {
			return false
		}
	}
	return true
}

func deviceField(device model.Device) func(string) string {
	return func(key string) string {
		switch key {
		case "podm_id":
			return device.PodmID
		case "node_id":
			return device.NodeID
		case "type":
			return device.Type
		case "state":
			return device.State
		case "pooled_group_id":
			return device.PooledGroupID
		case "resource_uri":
			return device.ResourceURI
		default:
			return ""
		}
	}
}

func nodeField(node model.ComposedNode) func(string) string {
	return func(key string) string {
		switch key {
		case "podm_id":
			return node.PodmID
		case "index":
			return node.Index
		case "managed_by":
			return node.ManagedBy
		case "name":
			return node.Name
		default:
			return ""
		}
	}
}

func clonePodManager(podm model.PodManager) model.PodManager {
	methods := make([]model.AuthMethod, 0, len(podm.Authentication))
	for _, method := range podm.Authentication {
		items := make(map[string]string, len(method.AuthItems))
		for key, value := range method.AuthItems {
			items[key] = value
		}
		methods = append(methods, model.AuthMethod{Type: method.Type, AuthItems: items})
	}
	podm.Authentication = methods
	return podm
}

func cloneNode(node model.ComposedNode) model.ComposedNode {
	if node.VolumeIDs != nil {
		node.VolumeIDs = append([]string(nil), node.VolumeIDs...)
	}
	return node
}

func cloneDevice(device model.Device) model.Device {
	if device.Extra != nil {
		extra := make(map[string]string, len(device.Extra))
		for key, value := range device.Extra {
			extra[key] = value
		}
		device.Extra = extra
	}
	return device
}

func cloneTask(task model.Task) model.Task {
	if task.RequestBody != nil {
		task.RequestBody = append(json.RawMessage(nil), task.RequestBody...)
	}
	return task
}
