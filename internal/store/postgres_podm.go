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

var podmColumns = []string{
	"uuid",
	"name",
	"url",
	"driver",
	"authentication",
	"status",
	"created_at",
	"updated_at",
}

// CreatePodManager inserts a pod manager.
func (s *PostgresStore) CreatePodManager(ctx context.Context, podm model.PodManager) (model.PodManager, error) {
	if strings.TrimSpace(podm.UUID) == "" {
		podm.UUID = uuid.NewString()
	}
	auth, err := marshalAuth(podm.Authentication)
	if err != nil {
		return model.PodManager{}, err
	}
	now := s.now().UTC()
	podm.CreatedAt = now
	podm.UpdatedAt = now

	query := s.sb.
		Insert("pod_managers").
		Columns(podmColumns...).
		Values(podm.UUID, podm.Name, podm.URL, podm.Driver, auth, podm.Status, now, now)
	if _, err := execQuery(ctx, s.db, query, "inserting pod manager"); err != nil {
		return model.PodManager{}, err
	}
	return podm, nil
}

// GetPodManager returns one pod manager.
func (s *PostgresStore) GetPodManager(ctx context.Context, id string) (model.PodManager, error) {
	sqlStr, args, err := s.sb.Select(podmColumns...).From("pod_managers").Where(sq.Eq{"uuid": id}).ToSql()
	if err != nil {
		return model.PodManager{}, fmt.Errorf("building pod manager query: %w", err)
	}

	podm, err := scanPodManager(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PodManager{}, fmt.Errorf("pod manager %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.PodManager{}, fmt.Errorf("querying pod manager %q: %w", id, err)
	}
	return podm, nil
}

// ListPodManagers returns all pod managers ordered by name.
func (s *PostgresStore) ListPodManagers(ctx context.Context) ([]model.PodManager, error) {
	sqlStr, args, err := s.sb.Select(podmColumns...).From("pod_managers").OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building pod manager list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pod managers: %w", err)
	}
	defer rows.Close()

	items := make([]model.PodManager, 0)
	for rows.Next() {
		podm, scanErr := scanPodManager(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning pod manager row: %w", scanErr)
		}
		items = append(items, podm)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterating pod manager rows: %w", rowsErr)
	}
	return items, nil
}

// UpdatePodManager replaces a pod manager.
func (s *PostgresStore) UpdatePodManager(ctx context.Context, podm model.PodManager) (model.PodManager, error) {
	auth, err := marshalAuth(podm.Authentication)
	if err != nil {
		return model.PodManager{}, err
	}
	existing, err := s.GetPodManager(ctx, podm.UUID)
	if err != nil {
		return model.PodManager{}, err
	}
	podm.CreatedAt = existing.CreatedAt
	podm.UpdatedAt = s.now().UTC()

	query := s.sb.
		Update("pod_managers").
		Set("name", podm.Name).
		Set("url", podm.URL).
		Set("driver", podm.Driver).
		Set("authentication", auth).
		Set("status", podm.Status).
		Set("updated_at", podm.UpdatedAt).
		Where(sq.Eq{"uuid": podm.UUID})
	affected, err := execQuery(ctx, s.db, query, "updating pod manager")
	if err != nil {
		return model.PodManager{}, err
	}
	if affected == 0 {
		return model.PodManager{}, fmt.Errorf("pod manager %q: %w", podm.UUID, ErrNotFound)
	}
	return podm, nil
}

// DeletePodManager removes a pod manager and its dependent rows in one transaction.
func (s *PostgresStore) DeletePodManager(ctx context.Context, id string) (CascadeCounts, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CascadeCounts{}, fmt.Errorf("starting pod manager delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	counts := CascadeCounts{}
	intents, err := execQuery(ctx, tx, s.sb.Delete("device_intents").Where(sq.Eq{"podm_id": id}), "deleting pod manager intents")
	if err != nil {
		return CascadeCounts{}, err
	}
	counts.Intents = int(intents)

	devices, err := execQuery(ctx, tx, s.sb.Delete("devices").Where(sq.Eq{"podm_id": id}), "deleting pod manager devices")
	if err != nil {
		return CascadeCounts{}, err
	}
	counts.Devices = int(devices)

	nodes, err := execQuery(ctx, tx, s.sb.Delete("composed_nodes").Where(sq.Eq{"podm_id": id}), "deleting pod manager nodes")
	if err != nil {
		return CascadeCounts{}, err
	}
	counts.Nodes = int(nodes)

	deleted, err := execQuery(ctx, tx, s.sb.Delete("pod_managers").Where(sq.Eq{"uuid": id}), "deleting pod manager")
	if err != nil {
		return CascadeCounts{}, err
	}
	if deleted == 0 {
		return CascadeCounts{}, fmt.Errorf("pod manager %q: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return CascadeCounts{}, fmt.Errorf("committing pod manager delete: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPodManager(row rowScanner) (model.PodManager, error) {
	var (
		podm model.PodManager
		auth []byte
	)
	if err := row.Scan(
		&podm.UUID,
		&podm.Name,
		&podm.URL,
		&podm.Driver,
		&auth,
		&podm.Status,
		&podm.CreatedAt,
		&podm.UpdatedAt,
	); err != nil {
		return model.PodManager{}, err
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &podm.Authentication); err != nil {
			return model.PodManager{}, fmt.Errorf("decoding authentication: %w", err)
		}
	}
	return podm, nil
}

func marshalAuth(methods []model.AuthMethod) (string, error) {
	if methods == nil {
		methods = []model.AuthMethod{}
	}
	encoded, err := json.Marshal(methods)
	if err != nil {
		return "", fmt.Errorf("encoding authentication: %w", err)
	}
	return string(encoded), nil
}
