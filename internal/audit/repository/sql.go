package repository

import (
	"context"
	"database/sql"
	"fmt"

	"tracklist-api/backend/internal/audit/domain"
	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/db"
)

type SQLRepository struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLRepository returns an audit log repository that uses conn for persistence.
func NewSQLRepository(conn *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: conn, dialect: db.Dialect{Driver: driver}}
}

// Create persists the audit log. The audit log must have ID set.
func (r *SQLRepository) Create(ctx context.Context, a *domain.Entry) error {
	meta := a.Metadata
	if meta == "" {
		meta = "{}"
	}
	_, err := r.db.ExecContext(ctx,
		r.dialect.Rebind(`INSERT INTO audit_logs (id, user_id, action, ip, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		a.ID, db.NullString(a.UserID), a.Action, a.IP, meta, r.dialect.Time(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create audit log: %w: %w", autherr.ErrStoreUnavailable, err)
	}
	return nil
}

// ListByUser returns audit logs for userID, newest first.
// Returns (nil, error) only on database errors.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		r.dialect.Rebind(`SELECT id, user_id, action, ip, metadata, created_at FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w: %w", autherr.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*domain.Entry
	for rows.Next() {
		var (
			a   domain.Entry
			uid sql.NullString
		)
		if err := rows.Scan(&a.ID, &uid, &a.Action, &a.IP, &a.Metadata, db.ScanTime(&a.CreatedAt)); err != nil {
			return nil, fmt.Errorf("list audit logs: %w: %w", autherr.ErrStoreUnavailable, err)
		}
		a.UserID = uid.String
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit logs: %w: %w", autherr.ErrStoreUnavailable, err)
	}
	return out, nil
}
