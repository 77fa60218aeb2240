package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateReminder(ctx context.Context, taskID int64, remindAt time.Time) (Reminder, error) {
	r := Reminder{TaskID: taskID, RemindAt: remindAt.UTC(), CreatedAt: s.now()}
	err := s.db.GetContext(ctx, &r.ID, s.q(`
		INSERT INTO reminders (task_id, remind_at, created_at)
		VALUES (?, ?, ?)
		RETURNING id`),
		r.TaskID, r.RemindAt, r.CreatedAt,
	)
	if err != nil {
		return Reminder{}, fmt.Errorf("creating reminder for task %d: %w", taskID, err)
	}
	return r, nil
}

// GetReminder loads a reminder together with its owning task.
func (s *Store) GetReminder(ctx context.Context, id int64) (ReminderWithTask, error) {
	var r ReminderWithTask
	err := s.db.GetContext(ctx, &r, s.q(`
		SELECT r.id, r.task_id, r.remind_at, r.sent_at, r.created_at,
		       t.title AS task_title, t.due_at AS task_due_at, t.status AS task_status
		FROM reminders r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ReminderWithTask{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ReminderWithTask{}, fmt.Errorf("getting reminder %d: %w", id, err)
	}
	return r, nil
}

func (s *Store) ListReminders(ctx context.Context, taskID int64) ([]Reminder, error) {
	out := []Reminder{}
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT id, task_id, remind_at, sent_at, created_at
		FROM reminders WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("listing reminders for task %d: %w", taskID, err)
	}
	return out, nil
}

// MarkReminderSent flips sent_at from NULL to at and drops any claim. It
// reports false when the reminder was already sent (or no longer exists);
// only one concurrent caller can ever observe true.
func (s *Store) MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE reminders SET sent_at = ?, claimed_until = NULL WHERE id = ? AND sent_at IS NULL`),
		at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("marking reminder %d sent: %w", id, err)
	}
	return oneRow(res)
}

// ClaimReminder leases an unsent reminder to the caller until until. It
// reports false when the reminder is sent, missing, or leased to someone
// else whose lease has not expired at now.
func (s *Store) ClaimReminder(ctx context.Context, id int64, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE reminders SET claimed_until = ?
		WHERE id = ? AND sent_at IS NULL AND (claimed_until IS NULL OR claimed_until <= ?)`),
		until.UTC(), id, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claiming reminder %d: %w", id, err)
	}
	return oneRow(res)
}

// ReleaseReminder drops the lease on an unsent reminder after a failed send.
func (s *Store) ReleaseReminder(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE reminders SET claimed_until = NULL WHERE id = ? AND sent_at IS NULL`), id); err != nil {
		return fmt.Errorf("releasing reminder %d: %w", id, err)
	}
	return nil
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}
