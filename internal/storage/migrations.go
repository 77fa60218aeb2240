package storage

import (
	"context"
	"fmt"

	logx "planpal/pkg/logx"
)

// migration is one schema step. Each dialect gets its own DDL; statements run
// as a single multi-statement Exec.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	title       TEXT NOT NULL,
	due_at      DATETIME,
	status      TEXT NOT NULL DEFAULT 'todo' CHECK (status IN ('todo', 'done')),
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reminders (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	remind_at   DATETIME NOT NULL,
	sent_at     DATETIME,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_task ON reminders(task_id);

CREATE TABLE IF NOT EXISTS dispatch_jobs (
	id          TEXT PRIMARY KEY,
	reminder_id INTEGER NOT NULL UNIQUE REFERENCES reminders(id) ON DELETE CASCADE,
	run_at      DATETIME NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL DEFAULT 'pending',
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_due ON dispatch_jobs(state, run_at);

CREATE TABLE IF NOT EXISTS audit (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      DATETIME NOT NULL,
	action  TEXT NOT NULL,
	target  TEXT NOT NULL DEFAULT '',
	ok      INTEGER NOT NULL DEFAULT 0,
	fail    INTEGER NOT NULL DEFAULT 0,
	error   TEXT NOT NULL DEFAULT '',
	meta    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS tasks (
	id          BIGSERIAL PRIMARY KEY,
	title       TEXT NOT NULL,
	due_at      TIMESTAMPTZ,
	status      TEXT NOT NULL DEFAULT 'todo' CHECK (status IN ('todo', 'done')),
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reminders (
	id          BIGSERIAL PRIMARY KEY,
	task_id     BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	remind_at   TIMESTAMPTZ NOT NULL,
	sent_at     TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_task ON reminders(task_id);

CREATE TABLE IF NOT EXISTS dispatch_jobs (
	id          TEXT PRIMARY KEY,
	reminder_id BIGINT NOT NULL UNIQUE REFERENCES reminders(id) ON DELETE CASCADE,
	run_at      TIMESTAMPTZ NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL DEFAULT 'pending',
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_due ON dispatch_jobs(state, run_at);

CREATE TABLE IF NOT EXISTS audit (
	id      BIGSERIAL PRIMARY KEY,
	at      TIMESTAMPTZ NOT NULL,
	action  TEXT NOT NULL,
	target  TEXT NOT NULL DEFAULT '',
	ok      INTEGER NOT NULL DEFAULT 0,
	fail    INTEGER NOT NULL DEFAULT 0,
	error   TEXT NOT NULL DEFAULT '',
	meta    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
`,
	},
	{
		// claimed_until leases a reminder to one sender across processes.
		version:  2,
		sqlite:   `ALTER TABLE reminders ADD COLUMN claimed_until DATETIME;`,
		postgres: `ALTER TABLE reminders ADD COLUMN IF NOT EXISTS claimed_until TIMESTAMPTZ;`,
	},
}

// migrate applies outstanding migrations and records each version.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		ddl := m.sqlite
		if s.driver == "postgres" {
			ddl = m.postgres
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_version(version) VALUES (?)`), m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		s.log.Info("migration applied", logx.Int("version", m.version))
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	return v, err
}
