package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

var taskColumns = []string{
	"uuid",
	"status",
	"request_body",
	"failure_reason",
	"node_id",
	"created_at",
	"updated_at",
}

// CreateTask inserts a task.
func (s *PostgresStore) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	if strings.TrimSpace(task.UUID) == "" {
		task.UUID = uuid.NewString()
	}
	now := s.now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	query := s.sb.
		Insert("tasks").
		Columns(taskColumns...).
		Values(task.UUID, task.Status, requestBody(task), task.FailureReason, task.NodeID, now, now)
	if _, err := execQuery(ctx, s.db, query, "inserting task"); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// GetTask returns one task.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	sqlStr, args, err := s.sb.Select(taskColumns...).From("tasks").Where(sq.Eq{"uuid": id}).ToSql()
	if err != nil {
		return model.Task{}, fmt.Errorf("building task query: %w", err)
	}

	task, err := scanTask(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("querying task %q: %w", id, err)
	}
	return task, nil
}

// ListTasks returns all tasks, newest first.
func (s *PostgresStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	sqlStr, args, err := s.sb.Select(taskColumns...).From("tasks").OrderBy("created_at DESC", "uuid ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building task list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	items := make([]model.Task, 0)
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning task row: %w", scanErr)
		}
		items = append(items, task)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterating task rows: %w", rowsErr)
	}
	return items, nil
}

// UpdateTask replaces a task.
func (s *PostgresStore) UpdateTask(ctx context.Context, task model.Task) (model.Task, error) {
	now := s.now().UTC()
	query := s.sb.
		Update("tasks").
		Set("status", task.Status).
		Set("request_body", requestBody(task)).
		Set("failure_reason", task.FailureReason).
		Set("node_id", task.NodeID).
		Set("updated_at", now).
		Where(sq.Eq{"uuid": task.UUID}).
		Suffix("RETURNING created_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return model.Task{}, fmt.Errorf("building task update query: %w", err)
	}
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %q: %w", task.UUID, ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("updating task %q: %w", task.UUID, err)
	}
	task.UpdatedAt = now
	return task, nil
}

// DeleteTask removes a task.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	affected, err := execQuery(ctx, s.db, s.sb.Delete("tasks").Where(sq.Eq{"uuid": id}), "deleting task")
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return nil
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		task model.Task
		body []byte
	)
	if err := row.Scan(
		&task.UUID,
		&task.Status,
		&body,
		&task.FailureReason,
		&task.NodeID,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return model.Task{}, err
	}
	if len(body) > 0 {
		task.RequestBody = append([]byte(nil), body...)
	}
	return task, nil
}

func requestBody(task model.Task) sql.NullString {
	if len(task.RequestBody) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(task.RequestBody), Valid: true}
}
