package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertJob records (or re-arms) the dispatch job for a reminder. Resubmitting
// resets attempts and moves the job back to pending.
func (s *Store) UpsertJob(ctx context.Context, reminderID int64, runAt time.Time) (DispatchJob, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO dispatch_jobs (id, reminder_id, run_at, attempts, state, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, '', ?, ?)
		ON CONFLICT (reminder_id) DO UPDATE SET
			run_at = excluded.run_at,
			attempts = 0,
			state = excluded.state,
			last_error = '',
			updated_at = excluded.updated_at`),
		uuid.NewString(), reminderID, runAt.UTC(), JobPending, now, now,
	)
	if err != nil {
		return DispatchJob{}, fmt.Errorf("upserting job for reminder %d: %w", reminderID, err)
	}
	return s.GetJob(ctx, reminderID)
}

func (s *Store) GetJob(ctx context.Context, reminderID int64) (DispatchJob, error) {
	var j DispatchJob
	err := s.db.GetContext(ctx, &j, s.q(`
		SELECT id, reminder_id, run_at, attempts, state, last_error, created_at, updated_at
		FROM dispatch_jobs WHERE reminder_id = ?`), reminderID)
	if errors.Is(err, sql.ErrNoRows) {
		return DispatchJob{}, fmt.Errorf("job for reminder %d: %w", reminderID, ErrNotFound)
	}
	if err != nil {
		return DispatchJob{}, fmt.Errorf("getting job for reminder %d: %w", reminderID, err)
	}
	return j, nil
}

// PendingJobs returns pending jobs due at or before before, oldest first.
// A zero before returns every pending job.
func (s *Store) PendingJobs(ctx context.Context, before time.Time, limit int) ([]DispatchJob, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id, reminder_id, run_at, attempts, state, last_error, created_at, updated_at
		FROM dispatch_jobs WHERE state = ?`
	args := []any{JobPending}
	if !before.IsZero() {
		query += ` AND run_at <= ?`
		args = append(args, before.UTC())
	}
	query += fmt.Sprintf(` ORDER BY run_at LIMIT %d`, limit)

	out := []DispatchJob{}
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}
	return out, nil
}

// UpdateJob applies a state transition. Missing jobs (reminder deleted) are
// reported as ErrNotFound.
func (s *Store) UpdateJob(ctx context.Context, u JobUpdate) error {
	now := s.now()
	var (
		res sql.Result
		err error
	)
	if u.RunAt.IsZero() {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE dispatch_jobs SET state = ?, attempts = ?, last_error = ?, updated_at = ?
			WHERE reminder_id = ?`),
			u.State, u.Attempts, u.LastError, now, u.ReminderID)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`
			UPDATE dispatch_jobs SET state = ?, attempts = ?, last_error = ?, run_at = ?, updated_at = ?
			WHERE reminder_id = ?`),
			u.State, u.Attempts, u.LastError, u.RunAt.UTC(), now, u.ReminderID)
	}
	if err != nil {
		return fmt.Errorf("updating job for reminder %d: %w", u.ReminderID, err)
	}
	return expectOneRow(res, fmt.Sprintf("job for reminder %d", u.ReminderID))
}

// JobCounts returns the number of jobs per state.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM dispatch_jobs GROUP BY state`); err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	out := map[string]int{JobPending: 0, JobDone: 0, JobDead: 0}
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}
