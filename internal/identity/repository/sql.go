package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/db"
	"tracklist-api/backend/internal/identity/domain"
)

const identityColumns = `id, email, password_hash, role, status, created_at`

// SQLRepository is the identity repository over database/sql (Postgres or SQLite).
type SQLRepository struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLRepository returns an identity repository that uses conn for persistence. driver is the
// database/sql driver name conn was opened with.
func NewSQLRepository(conn *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: conn, dialect: db.Dialect{Driver: driver}}
}

// FindByEmail returns the identity for the normalized email, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLRepository) FindByEmail(ctx context.Context, normalizedEmail string) (*domain.Identity, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT `+identityColumns+` FROM users WHERE email = ?`), normalizedEmail)
	return scanIdentity(row)
}

// FindByID returns the identity for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT `+identityColumns+` FROM users WHERE id = ?`), id)
	return scanIdentity(row)
}

// Create persists the identity. The identity must have ID set; a duplicate email fails with autherr.ErrConflict.
func (r *SQLRepository) Create(ctx context.Context, i *domain.Identity) error {
	if err := i.Validate(); err != nil {
		return fmt.Errorf("%w: %v", autherr.ErrInvalidInput, err)
	}
	_, err := r.db.ExecContext(ctx,
		r.dialect.Rebind(`INSERT INTO users (`+identityColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		i.ID, i.Email, i.PasswordHash, string(i.Role), string(i.Status), r.dialect.Time(i.CreatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("create identity: %w", autherr.ErrConflict)
		}
		return fmt.Errorf("create identity: %w: %w", autherr.ErrStoreUnavailable, err)
	}
	return nil
}

func scanIdentity(row *sql.Row) (*domain.Identity, error) {
	var (
		i            domain.Identity
		role, status string
	)
	err := row.Scan(&i.ID, &i.Email, &i.PasswordHash, &role, &status, db.ScanTime(&i.CreatedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find identity: %w: %w", autherr.ErrStoreUnavailable, err)
	}
	i.Role = domain.Role(role)
	i.Status = domain.Status(status)
	return &i, nil
}
