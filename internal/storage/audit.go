package storage

import (
	"context"
	"fmt"
)

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit (at, action, target, ok, fail, error, meta)
		VALUES (:at, :action, :target, :ok, :fail, :error, :meta)`, e)
	if err != nil {
		return fmt.Errorf("appending audit %q: %w", e.Action, err)
	}
	return nil
}

// RecentAudit returns the newest entries first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := []AuditEntry{}
	err := s.db.SelectContext(ctx, &out, fmt.Sprintf(`
		SELECT at, action, target, ok, fail, error, meta
		FROM audit ORDER BY id DESC LIMIT %d`, limit))
	if err != nil {
		return nil, fmt.Errorf("listing audit: %w", err)
	}
	return out, nil
}
