package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

// PutIntent records or replaces the pending intent for a device.
func (s *PostgresStore) PutIntent(ctx context.Context, intent model.DeviceIntent) error {
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = s.now().UTC()
	}
	query := s.sb.
		Insert("device_intents").
		Columns("device_id", "podm_id", "operation", "node_id", "created_at").
		Values(intent.DeviceID, intent.PodmID, intent.Operation, intent.NodeID, intent.CreatedAt).
		Suffix(`
ON CONFLICT (device_id) DO UPDATE SET
  podm_id = EXCLUDED.podm_id,
  operation = EXCLUDED.operation,
  node_id = EXCLUDED.node_id,
  created_at = EXCLUDED.created_at`)
	_, err := execQuery(ctx, s.db, query, "upserting device intent")
	return err
}

// DeleteIntent clears the pending intent for a device. Missing intents are ignored.
func (s *PostgresStore) DeleteIntent(ctx context.Context, deviceID string) error {
	_, err := execQuery(ctx, s.db, s.sb.Delete("device_intents").Where(sq.Eq{"device_id": deviceID}), "deleting device intent")
	return err
}

// ListIntents returns pending intents, optionally limited to one pod manager.
func (s *PostgresStore) ListIntents(ctx context.Context, podmID string) ([]model.DeviceIntent, error) {
	query := s.sb.
		Select("device_id", "podm_id", "operation", "node_id", "created_at").
		From("device_intents").
		OrderBy("device_id ASC")
	if podmID != "" {
		query = query.Where(sq.Eq{"podm_id": podmID})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building device intent query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device intents: %w", err)
	}
	defer rows.Close()

	items := make([]model.DeviceIntent, 0)
	for rows.Next() {
		var intent model.DeviceIntent
		if scanErr := rows.Scan(&intent.DeviceID, &intent.PodmID, &intent.Operation, &intent.NodeID, &intent.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scanning device intent row: %w", scanErr)
		}
		items = append(items, intent)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterating device intent rows: %w", rowsErr)
	}
	return items, nil
}
