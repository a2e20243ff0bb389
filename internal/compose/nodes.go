package compose

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/internal/telemetry"
)

// ManageRequest adopts a node that already exists on a pod manager.
type ManageRequest struct {
	PodmID    string `json:"podm_id" validate:"required,max=64"`
	Index     string `json:"node_index" validate:"required,max=255"`
	ManagedBy string `json:"managed_by,omitempty" validate:"omitempty,max=64"`
}

// ListNodes returns stored nodes matching filter.
func (e *Engine) ListNodes(ctx context.Context, filter store.Filter) ([]model.ComposedNode, error) {
	if err := filter.Validate(store.NodeFilterFields); err != nil {
		return nil, apierr.BadRequest("%v", err)
	}
	return e.store.ListComposedNodes(ctx, filter)
}

// GetNode returns a node merged with its live fabric view. A node the fabric
// no longer knows is removed locally and reported as NotFound.
func (e *Engine) GetNode(ctx context.Context, id string) (Node, error) {
	record, err := e.store.GetComposedNode(ctx, id)
	if err != nil {
		return Node{}, storeError(err, "composed node", id)
	}

	conn, err := e.conns.GetConnection(ctx, record.PodmID)
	if err != nil {
		return Node{}, err
	}
	reader, ok := conn.(driver.NodeReader)
	if !ok {
		return Node{ComposedNode: record}, nil
	}

	live, err := reader.GetComposedNode(ctx, record.Index)
	if err != nil {
		if apierr.IsKind(err, apierr.KindNotFound) {
			if delErr := e.store.DeleteComposedNode(ctx, record.UUID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
				return Node{}, fmt.Errorf("removing stale composed node %s: %w", record.UUID, delErr)
			}
			e.logger.Info().Str("node_id", record.UUID).Str("index", record.Index).Msg("composed node vanished from the fabric, local record removed")
			events.Emit(ctx, e.publisher, e.logger, events.TypeNodeDeleted, record.UUID, record)
			return Node{}, apierr.NotFound("composed node %s no longer exists on its pod manager", id).WithCause(err)
		}
		return Node{}, err
	}

	if live.ComputerSystemID != record.ComputerSystemID || !slices.Equal(live.VolumeIDs, record.VolumeIDs) {
		record.ComputerSystemID = live.ComputerSystemID
		record.VolumeIDs = live.VolumeIDs
		updated, err := e.store.UpdateComposedNode(ctx, record)
		if err != nil {
			return Node{}, storeError(err, "composed node", id)
		}
		record = updated
	}
	return Node{ComposedNode: record, Details: &live}, nil
}

// DeleteNode decomposes a node on its pod manager and removes the record.
func (e *Engine) DeleteNode(ctx context.Context, id string) (confirmation driver.Confirmation, err error) {
	ctx, span := telemetry.Start(ctx, "compose.delete", "node_id", id)
	defer func() { telemetry.End(span, err) }()

	record, err := e.store.GetComposedNode(ctx, id)
	if err != nil {
		return driver.Confirmation{}, storeError(err, "composed node", id)
	}
	conn, err := e.conns.GetConnection(ctx, record.PodmID)
	if err != nil {
		return driver.Confirmation{}, err
	}

	confirmation, err = conn.DeleteComposedNode(ctx, record.Index)
	if err != nil {
		return driver.Confirmation{}, err
	}
	if err := e.store.DeleteComposedNode(ctx, record.UUID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return driver.Confirmation{}, fmt.Errorf("removing composed node %s: %w", record.UUID, err)
	}

	e.logger.Info().Str("node_id", record.UUID).Str("podm_id", record.PodmID).Msg("node deleted")
	events.Emit(ctx, e.publisher, e.logger, events.TypeNodeDeleted, record.UUID, record)
	return confirmation, nil
}

// NodeAction parses a raw action body and applies it to a node.
func (e *Engine) NodeAction(ctx context.Context, id string, raw []byte) (driver.Confirmation, error) {
	action, err := driver.ParseAction(raw)
	if err != nil {
		return driver.Confirmation{}, err
	}
	record, err := e.store.GetComposedNode(ctx, id)
	if err != nil {
		return driver.Confirmation{}, storeError(err, "composed node", id)
	}
	conn, err := e.conns.GetConnection(ctx, record.PodmID)
	if err != nil {
		return driver.Confirmation{}, err
	}

	confirmation, err := conn.NodeAction(ctx, record.Index, action)
	if err != nil {
		return driver.Confirmation{}, err
	}

	switch {
	case action.Attach != nil:
		events.Emit(ctx, e.publisher, e.logger, events.TypeDeviceAttached, action.Attach.ResourceID, map[string]string{"node_id": record.UUID, "index": record.Index})
	case action.Detach != nil:
		events.Emit(ctx, e.publisher, e.logger, events.TypeDeviceDetached, action.Detach.ResourceID, map[string]string{"node_id": record.UUID, "index": record.Index})
	}
	e.logger.Info().Str("node_id", record.UUID).Str("action", action.Name()).Msg("node action applied")
	return confirmation, nil
}

// ManageNode records a node that was composed outside valence.
func (e *Engine) ManageNode(ctx context.Context, req ManageRequest) (Node, error) {
	if err := e.validate.Struct(req); err != nil {
		return Node{}, validationError(err)
	}
	req.Index = strings.TrimSpace(req.Index)

	podm, err := e.store.GetPodManager(ctx, req.PodmID)
	if err != nil {
		return Node{}, storeError(err, "pod manager", req.PodmID)
	}
	existing, err := e.store.ListComposedNodes(ctx, store.Filter{"podm_id": podm.UUID, "index": req.Index})
	if err != nil {
		return Node{}, fmt.Errorf("checking managed nodes: %w", err)
	}
	if len(existing) > 0 {
		return Node{}, apierr.ResourceExists("node %s of pod manager %s is already managed as %s", req.Index, podm.Name, existing[0].UUID)
	}

	conn, err := e.conns.GetConnection(ctx, podm.UUID)
	if err != nil {
		return Node{}, err
	}
	reader, ok := conn.(driver.NodeReader)
	if !ok {
		return Node{}, apierr.BadRequest("pod manager %s cannot read back composed nodes", podm.Name)
	}
	live, err := reader.GetComposedNode(ctx, req.Index)
	if err != nil {
		return Node{}, err
	}

	name := live.Name
	if name == "" {
		name = req.Index
	}
	created, err := e.store.CreateComposedNode(ctx, model.ComposedNode{
		UUID:             uuid.NewString(),
		Index:            req.Index,
		Name:             name,
		Description:      live.Description,
		ComputerSystemID: live.ComputerSystemID,
		VolumeIDs:        live.VolumeIDs,
		PodmID:           podm.UUID,
		ManagedBy:        req.ManagedBy,
	})
	if err != nil {
		return Node{}, storeError(err, "composed node", req.Index)
	}

	events.Emit(ctx, e.publisher, e.logger, events.TypeNodeManaged, created.UUID, created)
	return Node{ComposedNode: created, Details: &live}, nil
}

// IronicParams returns the enrollment arguments for a node.
func (e *Engine) IronicParams(ctx context.Context, id string, overrides map[string]any) (driver.IronicParams, error) {
	node, err := e.GetNode(ctx, id)
	if err != nil {
		return driver.IronicParams{}, err
	}
	conn, err := e.conns.GetConnection(ctx, node.PodmID)
	if err != nil {
		return driver.IronicParams{}, err
	}

	detail := driver.NodeDetail{Index: node.Index, Name: node.Name, ComputerSystemID: node.ComputerSystemID}
	if node.Details != nil {
		detail = *node.Details
		detail.Name = node.Name
	}
	return conn.GetIronicNodeParams(ctx, detail, overrides)
}
