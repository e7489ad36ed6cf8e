package db

import (
	"context"

	"github.com/pkg/errors"
	"pastevault/svc/util"
)

type migration struct {
	id   int
	desc string
	sql  string
}

var migrations = []migration{
	{1, "create accounts", `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`},
	{2, "create pastes", `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		language TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		password_hash TEXT,
		owner_id INTEGER REFERENCES accounts(id) ON DELETE SET NULL
	);`},
	{3, "paste indexes", `
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at) WHERE expires_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_pastes_owner ON pastes(owner_id, created_at);`},
}

// migrate applies pending migrations in order, each in its own transaction.
func (s *SQLite) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return errors.Wrap(err, "create migrations table")
	}
	for _, m := range migrations {
		if err := s.apply(ctx, m); err != nil {
			return errors.Wrapf(err, "migration %d (%s)", m.id, m.desc)
		}
	}
	return nil
}
func (s *SQLite) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM migrations WHERE id = ?`, m.id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (id, description, applied_at) VALUES (?, ?, ?)`,
		m.id, m.desc, toMillis(s.now())); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	util.Info().Int("id", m.id).Str("desc", m.desc).Msg("Applied migration")
	return nil
}
