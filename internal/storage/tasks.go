package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateTask inserts a todo task and returns it with its assigned id.
func (s *Store) CreateTask(ctx context.Context, title string, dueAt *time.Time) (Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Task{}, fmt.Errorf("task title must not be empty")
	}
	t := Task{Title: title, Status: StatusTodo, CreatedAt: s.now()}
	if dueAt != nil {
		d := dueAt.UTC()
		t.DueAt = &d
	}

	err := s.db.GetContext(ctx, &t.ID, s.q(`
		INSERT INTO tasks (title, due_at, status, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		t.Title, t.DueAt, t.Status, t.CreatedAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("creating task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, s.q(`
		SELECT id, title, due_at, status, created_at FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("getting task %d: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		if !ValidStatus(f.Status) {
			return nil, fmt.Errorf("%w: %q", ErrBadStatus, f.Status)
		}
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT id, title, due_at, status, created_at FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	tasks := []Task{}
	if err := s.db.SelectContext(ctx, &tasks, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("task %d", id))
}

// DeleteTask removes a task; reminders and their dispatch jobs cascade.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting task %d: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("task %d", id))
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
