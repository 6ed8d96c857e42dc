// Package repository persists refresh token ledger records.
package repository

import (
	"context"
	"time"

	"tracklist-api/backend/internal/ledger/domain"
)

// Repository is the refresh token ledger. Conditional writes are single atomic statements
// guarded by revoked_at IS NULL; records are never deleted.
type Repository interface {
	// Insert stores rec. A token_hash or jti collision fails with autherr.ErrConflict.
	Insert(ctx context.Context, rec *domain.Record) (*domain.Record, error)
	// FindByHash returns the record with tokenHash, or nil, nil when absent.
	FindByHash(ctx context.Context, tokenHash string) (*domain.Record, error)
	// RevokeByHash sets revoked_at when the record exists and is not yet revoked. No-op otherwise.
	RevokeByHash(ctx context.Context, tokenHash string, at time.Time) error
	// RevokeAndReplace revokes the record and links it to newJTI when it is not yet revoked.
	// Reports whether the condition matched.
	RevokeAndReplace(ctx context.Context, oldTokenHash, newJTI string, at time.Time) (bool, error)
	// RevokeAllForUser revokes every active record of userID and returns how many changed.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
}

// Rotator is implemented by ledgers that can insert the successor and revoke its predecessor in
// one transaction. When the predecessor is already revoked nothing is written and matched is false.
type Rotator interface {
	Rotate(ctx context.Context, next *domain.Record, oldTokenHash string, at time.Time) (matched bool, err error)
}

// Lister returns a user's active records, newest first.
type Lister interface {
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Record, error)
}
