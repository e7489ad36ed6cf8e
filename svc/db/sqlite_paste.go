package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"pastevault/pkg/domain"
)

const (
	cleanupBatchSize     = 100
	cleanupMaxIterations = 10000
)

const pasteColumns = `id, content, language, created_at, expires_at, password_hash, owner_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(r rowScanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		createdAt int64
		expiresAt sql.Null[int64]
	)
	if err := r.Scan(&p.ID, &p.Content, &p.Language, &createdAt, &expiresAt, &p.PasswordHash, &p.OwnerID); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(createdAt)
	p.ExpiresAt = nullTime(expiresAt)
	return &p, nil
}

// ErrDuplicateID is returned by CreatePaste when another paste claimed the
// id between the existence check and the insert.
var ErrDuplicateID = errors.New("paste id already taken")

func (s *SQLite) CreatePaste(ctx context.Context, p *domain.Paste) error {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := `INSERT INTO pastes (` + pasteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(qctx, q,
		p.ID, p.Content, p.Language, toMillis(p.CreatedAt), nullMillis(p.ExpiresAt), p.PasswordHash, p.OwnerID,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return errors.Wrap(err, "db create paste")
}

// GetPaste returns the paste whether or not it has expired; the caller
// decides between not-found and expired.
func (s *SQLite) GetPaste(ctx context.Context, id string) (*domain.Paste, error) {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(qctx, `SELECT `+pasteColumns+` FROM pastes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get paste")
	}
	return p, nil
}

func (s *SQLite) PasteExists(ctx context.Context, id string) (bool, error) {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var exists int
	err = s.db.QueryRowContext(qctx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// UpdatePaste rewrites the mutable fields. Ownership and creation time never
// change.
func (s *SQLite) UpdatePaste(ctx context.Context, p *domain.Paste) error {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(qctx,
		`UPDATE pastes SET content = ?, language = ?, expires_at = ?, password_hash = ? WHERE id = ?`,
		p.Content, p.Language, nullMillis(p.ExpiresAt), p.PasswordHash, p.ID,
	)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update paste")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (s *SQLite) DeletePaste(ctx context.Context, id string) error {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(qctx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

// DeleteExpired removes pastes whose expiry is at or before now, in small
// batches so a large backlog never holds the write lock for long.
func (s *SQLite) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	cutoff := toMillis(now)
	totalDeleted := 0
	for i := 0; i < cleanupMaxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)
		`, cutoff, cleanupBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < cleanupBatchSize {
			return totalDeleted, nil
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}

// ListByOwner returns the owner's pastes newest first.
func (s *SQLite) ListByOwner(ctx context.Context, owner int64, limit, offset int) ([]domain.PasteSummary, error) {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(qctx, `
		SELECT id, language, created_at, expires_at,
			password_hash IS NOT NULL AND password_hash != '',
			length(CAST(content AS BLOB))
		FROM pastes
		WHERE owner_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`, owner, limit, offset)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	defer rows.Close()
	out := make([]domain.PasteSummary, 0, limit)
	for rows.Next() {
		var (
			ps        domain.PasteSummary
			createdAt int64
			expiresAt sql.Null[int64]
		)
		if err := rows.Scan(&ps.ID, &ps.Language, &createdAt, &expiresAt, &ps.HasPassword, &ps.Size); err != nil {
			return nil, errors.Wrap(err, "scan paste summary")
		}
		ps.CreatedAt = fromMillis(createdAt)
		ps.ExpiresAt = nullTime(expiresAt)
		out = append(out, ps)
	}
	return out, errors.Wrap(rows.Err(), "list pastes")
}

func (s *SQLite) CountByOwner(ctx context.Context, owner int64) (int, error) {
	qctx, cancel, err := s.query(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int
	err = s.db.QueryRowContext(qctx, `SELECT COUNT(*) FROM pastes WHERE owner_id = ?`, owner).Scan(&n)
	s.recordError(err)
	return n, errors.Wrap(err, "count pastes")
}
