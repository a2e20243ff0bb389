package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

var nodeColumns = []string{
	"uuid",
	"node_index",
	"name",
	"description",
	"computer_system_id",
	"volume_ids",
	"podm_id",
	"managed_by",
	"created_at",
	"updated_at",
}

// CreateComposedNode inserts a composed node.
func (s *PostgresStore) CreateComposedNode(ctx context.Context, node model.ComposedNode) (model.ComposedNode, error) {
	if strings.TrimSpace(node.UUID) == "" {
		node.UUID = uuid.NewString()
	}
	volumes, err := marshalStrings(node.VolumeIDs)
	if err != nil {
		return model.ComposedNode{}, err
	}
	now := s.now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now

	query := s.sb.
		Insert("composed_nodes").
		Columns(nodeColumns...).
		Values(
			node.UUID,
			node.Index,
			node.Name,
			node.Description,
			node.ComputerSystemID,
			volumes,
			node.PodmID,
			node.ManagedBy,
			now,
			now,
		)
	if _, err := execQuery(ctx, s.db, query, "inserting composed node"); err != nil {
		return model.ComposedNode{}, err
	}
	return node, nil
}

// GetComposedNode returns one composed node.
func (s *PostgresStore) GetComposedNode(ctx context.Context, id string) (model.ComposedNode, error) {
	sqlStr, args, err := s.sb.Select(nodeColumns...).From("composed_nodes").Where(sq.Eq{"uuid": id}).ToSql()
	if err != nil {
		return model.ComposedNode{}, fmt.Errorf("building composed node query: %w", err)
	}

	node, err := scanNode(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ComposedNode{}, fmt.Errorf("composed node %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ComposedNode{}, fmt.Errorf("querying composed node %q: %w", id, err)
	}
	return node, nil
}

// ListComposedNodes returns nodes matching filter ordered by creation.
func (s *PostgresStore) ListComposedNodes(ctx context.Context, filter Filter) ([]model.ComposedNode, error) {
	if err := filter.Validate(NodeFilterFields); err != nil {
		return nil, err
	}

	query := applyFilter(s.sb.Select(nodeColumns...).From("composed_nodes"), filter, map[string]string{"index": "node_index"}).OrderBy("created_at ASC", "uuid ASC")
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building composed node list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying composed nodes: %w", err)
	}
	defer rows.Close()

	items := make([]model.ComposedNode, 0)
	for rows.Next() {
		node, scanErr := scanNode(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning composed node row: %w", scanErr)
		}
		items = append(items, node)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterating composed node rows: %w", rowsErr)
	}
	return items, nil
}

// UpdateComposedNode replaces a composed node.
func (s *PostgresStore) UpdateComposedNode(ctx context.Context, node model.ComposedNode) (model.ComposedNode, error) {
	existing, err := s.GetComposedNode(ctx, node.UUID)
	if err != nil {
		return model.ComposedNode{}, err
	}
	volumes, err := marshalStrings(node.VolumeIDs)
	if err != nil {
		return model.ComposedNode{}, err
	}
	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = s.now().UTC()

	query := s.sb.
		Update("composed_nodes").
		Set("node_index", node.Index).
		Set("name", node.Name).
		Set("description", node.Description).
		Set("computer_system_id", node.ComputerSystemID).
		Set("volume_ids", volumes).
		Set("podm_id", node.PodmID).
		Set("managed_by", node.ManagedBy).
		Set("updated_at", node.UpdatedAt).
		Where(sq.Eq{"uuid": node.UUID})
	affected, err := execQuery(ctx, s.db, query, "updating composed node")
	if err != nil {
		return model.ComposedNode{}, err
	}
	if affected == 0 {
		return model.ComposedNode{}, fmt.Errorf("composed node %q: %w", node.UUID, ErrNotFound)
	}
	return node, nil
}

// DeleteComposedNode removes a composed node.
func (s *PostgresStore) DeleteComposedNode(ctx context.Context, id string) error {
	affected, err := execQuery(ctx, s.db, s.sb.Delete("composed_nodes").Where(sq.Eq{"uuid": id}), "deleting composed node")
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("composed node %q: %w", id, ErrNotFound)
	}
	return nil
}

func scanNode(row rowScanner) (model.ComposedNode, error) {
	var (
		node    model.ComposedNode
		volumes []byte
	)
	if err := row.Scan(
		&node.UUID,
		&node.Index,
		&node.Name,
		&node.Description,
		&node.ComputerSystemID,
		&volumes,
		&node.PodmID,
		&node.ManagedBy,
		&node.CreatedAt,
		&node.UpdatedAt,
	); err != nil {
		return model.ComposedNode{}, err
	}
	if len(volumes) > 0 {
		if err := json.Unmarshal(volumes, &node.VolumeIDs); err != nil {
			return model.ComposedNode{}, fmt.Errorf("decoding volume ids: %w", err)
		}
	}
	return node, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encoding string list: %w", err)
	}
	return string(encoded), nil
}
