package repository

import (
	"context"

	"tracklist-api/backend/internal/audit/domain"
)

// Repository persists the audit trail. Create must not be retried by callers; entries are best-effort.
type Repository interface {
	Create(ctx context.Context, a *domain.Entry) error
	// ListByUser returns the newest entries for userID, at most limit.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Entry, error)
}
