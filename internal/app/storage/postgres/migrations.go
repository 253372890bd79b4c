package postgres

import (
	"context"
	"fmt"
)

// migration is one ordered schema step. Versions are applied exactly once,
// in ascending order, and recorded in schema_migrations.
type migration struct {
	version   int
	statement string
}

var migrations = []migration{
	{
		version: 1,
		statement: `CREATE TABLE IF NOT EXISTS accounts (
			owner                    TEXT PRIMARY KEY,
			last_heartbeat           TIMESTAMPTZ NOT NULL,
			timeout_interval_seconds BIGINT NOT NULL,
			grace_interval_seconds   BIGINT NOT NULL,
			timeout_detected_at      TIMESTAMPTZ,
			primary_beneficiary      TEXT NOT NULL DEFAULT '',
			beneficiaries            JSONB NOT NULL DEFAULT '[]',
			balance                  BIGINT NOT NULL DEFAULT 0,
			trusted_parties          TEXT[] NOT NULL DEFAULT '{}',
			history                  JSONB NOT NULL DEFAULT '[]',
			created_at               TIMESTAMPTZ NOT NULL,
			updated_at               TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		version:   2,
		statement: `CREATE INDEX IF NOT EXISTS idx_accounts_timeout_detected_at ON accounts (timeout_detected_at) WHERE timeout_detected_at IS NOT NULL`,
	},
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.statement); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		s.log.WithField("version", m.version).Info("schema migration applied")
	}
	return nil
}
