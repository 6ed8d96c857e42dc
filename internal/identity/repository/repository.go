package repository

import (
	"context"

	"tracklist-api/backend/internal/identity/domain"
)

// Repository is the user directory consumed by the authentication core.
// Lookups return nil, nil when no identity matches.
type Repository interface {
	FindByEmail(ctx context.Context, normalizedEmail string) (*domain.Identity, error)
	FindByID(ctx context.Context, id string) (*domain.Identity, error)
	Create(ctx context.Context, i *domain.Identity) error
}
