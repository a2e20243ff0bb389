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

var deviceColumns = []string{
	"uuid",
	"podm_id",
	"type",
	"state",
	"node_id",
	"pooled_group_id",
	"resource_uri",
	"properties",
	"extra",
	"version",
	"created_at",
	"updated_at",
}

// CreateDevice inserts a device at version 1.
func (s *PostgresStore) CreateDevice(ctx context.Context, device model.Device) (model.Device, error) {
	if strings.TrimSpace(device.UUID) == "" {
		device.UUID = uuid.NewString()
	}
	props, extra, err := marshalDeviceJSON(device)
	if err != nil {
		return model.Device{}, err
	}
	now := s.now().UTC()
	device.Version = 1
	device.CreatedAt = now
	device.UpdatedAt = now

	query := s.sb.
		Insert("devices").
		Columns(deviceColumns...).
		Values(
			device.UUID,
			device.PodmID,
			device.Type,
			device.State,
			nullableString(device.NodeID),
			device.PooledGroupID,
			device.ResourceURI,
			props,
			extra,
			device.Version,
			now,
			now,
		)
	if _, err := execQuery(ctx, s.db, query, "inserting device"); err != nil {
		return model.Device{}, err
	}
	return device, nil
}

// GetDevice returns one device.
func (s *PostgresStore) GetDevice(ctx context.Context, id string) (model.Device, error) {
	sqlStr, args, err := s.sb.Select(deviceColumns...).From("devices").Where(sq.Eq{"uuid": id}).ToSql()
	if err != nil {
		return model.Device{}, fmt.Errorf("building device query: %w", err)
	}

	device, err := scanDevice(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("querying device %q: %w", id, err)
	}
	return device, nil
}

// ListDevices returns devices matching filter ordered by resource URI.
func (s *PostgresStore) ListDevices(ctx context.Context, filter Filter) ([]model.Device, error) {
	if err := filter.Validate(DeviceFilterFields); err != nil {
		return nil, err
	}

	query := applyFilter(s.sb.Select(deviceColumns...).From("devices"), filter, nil).OrderBy("resource_uri ASC", "uuid ASC")
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building device list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	items := make([]model.Device, 0)
	for rows.Next() {
		device, scanErr := scanDevice(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning device row: %w", scanErr)
		}
		items = append(items, device)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterating device rows: %w", rowsErr)
	}
	return items, nil
}

// UpdateDevice replaces a device when its version matches the stored row.
func (s *PostgresStore) UpdateDevice(ctx context.Context, device model.Device) (model.Device, error) {
	props, extra, err := marshalDeviceJSON(device)
	if err != nil {
		return model.Device{}, err
	}
	now := s.now().UTC()

	query := s.sb.
		Update("devices").
		Set("type", device.Type).
		Set("state", device.State).
		Set("node_id", nullableString(device.NodeID)).
		Set("pooled_group_id", device.PooledGroupID).
		Set("resource_uri", device.ResourceURI).
		Set("properties", props).
		Set("extra", extra).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", now).
		Where(sq.Eq{"uuid": device.UUID, "version": device.Version}).
		Suffix("RETURNING version, created_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return model.Device{}, fmt.Errorf("building device update query: %w", err)
	}
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&device.Version, &device.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetDevice(ctx, device.UUID); getErr != nil {
			return model.Device{}, getErr
		}
		return model.Device{}, fmt.Errorf("device %q at version %d: %w", device.UUID, device.Version, ErrVersionConflict)
	}
	if err != nil {
		return model.Device{}, classifyWriteError(fmt.Errorf("updating device %q: %w", device.UUID, err))
	}
	device.UpdatedAt = now
	return device, nil
}

// DeleteDevice removes a device.
func (s *PostgresStore) DeleteDevice(ctx context.Context, id string) error {
	affected, err := execQuery(ctx, s.db, s.sb.Delete("devices").Where(sq.Eq{"uuid": id}), "deleting device")
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("device %q: %w", id, ErrNotFound)
	}
	return nil
}

func scanDevice(row rowScanner) (model.Device, error) {
	var (
		device model.Device
		nodeID sql.NullString
		props  []byte
		extra  []byte
	)
	if err := row.Scan(
		&device.UUID,
		&device.PodmID,
		&device.Type,
		&device.State,
		&nodeID,
		&device.PooledGroupID,
		&device.ResourceURI,
		&props,
		&extra,
		&device.Version,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		return model.Device{}, err
	}
	device.NodeID = nodeID.String
	if len(props) > 0 {
		if err := json.Unmarshal(props, &device.Properties); err != nil {
			return model.Device{}, fmt.Errorf("decoding device properties: %w", err)
		}
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &device.Extra); err != nil {
			return model.Device{}, fmt.Errorf("decoding device extra: %w", err)
		}
	}
	if len(device.Extra) == 0 {
		device.Extra = nil
	}
	return device, nil
}

func marshalDeviceJSON(device model.Device) (string, string, error) {
	props, err := json.Marshal(device.Properties)
	if err != nil {
		return "", "", fmt.Errorf("encoding device properties: %w", err)
	}
	extraMap := device.Extra
	if extraMap == nil {
		extraMap = map[string]string{}
	}
	extra, err := json.Marshal(extraMap)
	if err != nil {
		return "", "", fmt.Errorf("encoding device extra: %w", err)
	}
	return string(props), string(extra), nil
}
