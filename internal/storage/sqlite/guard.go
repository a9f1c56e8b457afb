package sqlite

import (
	"context"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

// ListGuardRules returns all guard rules, enabled first, newest last.
func (s *Store) ListGuardRules(ctx context.Context) ([]storage.GuardRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, pattern, enabled, note, created_at
		 FROM guard_rules ORDER BY enabled DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.GuardRule
	for rows.Next() {
		var rule storage.GuardRule
		var enabled int
		var createdAt string
		if err := rows.Scan(&rule.ID, &rule.Pattern, &enabled, &rule.Note, &createdAt); err != nil {
			return nil, err
		}
		rule.Enabled = enabled != 0
		rule.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpsertGuardRule inserts or replaces a rule by ID.
func (s *Store) UpsertGuardRule(ctx context.Context, rule storage.GuardRule) error {
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO guard_rules (id, pattern, enabled, note, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET pattern = excluded.pattern,
		   enabled = excluded.enabled, note = excluded.note`,
		rule.ID, rule.Pattern, boolToInt(rule.Enabled), rule.Note,
		createdAt.UTC().Format(time.RFC3339))
	return err
}

// DeleteGuardRule removes a rule by ID.
func (s *Store) DeleteGuardRule(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM guard_rules WHERE id = ?`, id)
	return err
}

// InsertGuardAudit appends one audit row.
func (s *Store) InsertGuardAudit(ctx context.Context, audit storage.GuardAudit) error {
	createdAt := audit.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO guard_audit (id, pane_id, text_hash, pattern, blocked, override, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		audit.ID, audit.PaneID, audit.TextHash, audit.Pattern,
		boolToInt(audit.Blocked), boolToInt(audit.Override),
		createdAt.UTC().Format(time.RFC3339))
	return err
}

// ListGuardAudit returns the newest audit rows up to limit.
func (s *Store) ListGuardAudit(ctx context.Context, limit int) ([]storage.GuardAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, pane_id, text_hash, pattern, blocked, override, created_at
		 FROM guard_audit ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.GuardAudit
	for rows.Next() {
		var audit storage.GuardAudit
		var blocked, override int
		var createdAt string
		if err := rows.Scan(&audit.ID, &audit.PaneID, &audit.TextHash, &audit.Pattern,
			&blocked, &override, &createdAt); err != nil {
			return nil, err
		}
		audit.Blocked = blocked != 0
		audit.Override = override != 0
		audit.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, audit)
	}
	return out, rows.Err()
}

// GuardPatterns implements the screen gateway's rule source: enabled
// patterns only.
func (s *Store) GuardPatterns(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT pattern FROM guard_rules WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pattern string
		if err := rows.Scan(&pattern); err != nil {
			return nil, err
		}
		out = append(out, pattern)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
