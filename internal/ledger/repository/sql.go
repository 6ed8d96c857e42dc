package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/db"
	"tracklist-api/backend/internal/ledger/domain"
)

const recordColumns = `id, user_id, token_hash, jti, issued_at, expires_at, revoked_at, replaced_by_jti, user_agent, ip`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLRepository is the ledger over database/sql (Postgres via pgx, or SQLite).
type SQLRepository struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLRepository returns a ledger that uses conn for persistence. driver is the database/sql
// driver name conn was opened with.
func NewSQLRepository(conn *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: conn, dialect: db.Dialect{Driver: driver}}
}

func (r *SQLRepository) Insert(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	if err := r.insert(ctx, r.db, rec); err != nil {
		return nil, err
	}
	stored := *rec
	return &stored, nil
}

func (r *SQLRepository) insert(ctx context.Context, ex execer, rec *domain.Record) error {
	_, err := ex.ExecContext(ctx,
		r.dialect.Rebind(`INSERT INTO refresh_tokens (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, rec.TokenHash, rec.JTI,
		r.dialect.Time(rec.IssuedAt), r.dialect.Time(rec.ExpiresAt), r.dialect.NullTime(rec.RevokedAt),
		db.NullString(rec.ReplacedByJTI), rec.UserAgent, rec.IP,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("insert refresh token: %w", autherr.ErrConflict)
		}
		return storeErr("insert refresh token", err)
	}
	return nil
}

func (r *SQLRepository) FindByHash(ctx context.Context, tokenHash string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT `+recordColumns+` FROM refresh_tokens WHERE token_hash = ?`), tokenHash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find refresh token", err)
	}
	return rec, nil
}

func (r *SQLRepository) RevokeByHash(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		r.dialect.Rebind(`UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`),
		r.dialect.Time(at), tokenHash,
	)
	if err != nil {
		return storeErr("revoke refresh token", err)
	}
	return nil
}

func (r *SQLRepository) RevokeAndReplace(ctx context.Context, oldTokenHash, newJTI string, at time.Time) (bool, error) {
	return r.revokeAndReplace(ctx, r.db, oldTokenHash, newJTI, at)
}

func (r *SQLRepository) revokeAndReplace(ctx context.Context, ex execer, oldTokenHash, newJTI string, at time.Time) (bool, error) {
	res, err := ex.ExecContext(ctx,
		r.dialect.Rebind(`UPDATE refresh_tokens SET revoked_at = ?, replaced_by_jti = ? WHERE token_hash = ? AND revoked_at IS NULL`),
		r.dialect.Time(at), newJTI, oldTokenHash,
	)
	if err != nil {
		return false, storeErr("rotate refresh token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("rotate refresh token", err)
	}
	return n == 1, nil
}

func (r *SQLRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		r.dialect.Rebind(`UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?`),
		r.dialect.Time(at), userID, r.dialect.Time(at),
	)
	if err != nil {
		return 0, storeErr("revoke user refresh tokens", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("revoke user refresh tokens", err)
	}
	return n, nil
}

// Rotate revokes the predecessor and inserts next in one transaction. The conditional update runs
// first so concurrent rotations of the same token serialize on its row.
func (r *SQLRepository) Rotate(ctx context.Context, next *domain.Record, oldTokenHash string, at time.Time) (matched bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin rotation", err)
	}
	defer func() {
		if err != nil || !matched {
			_ = tx.Rollback()
		}
	}()

	matched, err = r.revokeAndReplace(ctx, tx, oldTokenHash, next.JTI, at)
	if err != nil || !matched {
		return matched, err
	}
	if err = r.insert(ctx, tx, next); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, storeErr("commit rotation", err)
	}
	return true, nil
}

func (r *SQLRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		r.dialect.Rebind(`SELECT `+recordColumns+` FROM refresh_tokens
			WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
			ORDER BY issued_at DESC, id DESC`),
		userID, r.dialect.Time(now),
	)
	if err != nil {
		return nil, storeErr("list refresh tokens", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("list refresh tokens", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list refresh tokens", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var (
		rec        domain.Record
		replacedBy sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.TokenHash, &rec.JTI,
		db.ScanTime(&rec.IssuedAt), db.ScanTime(&rec.ExpiresAt), db.ScanNullTime(&rec.RevokedAt),
		&replacedBy, &rec.UserAgent, &rec.IP,
	)
	if err != nil {
		return nil, err
	}
	rec.ReplacedByJTI = replacedBy.String
	return &rec, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, autherr.ErrStoreUnavailable, err)
}
