package repository

import (
	"context"
	"fmt"
	"sync"

	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/identity/domain"
)

// MemoryRepository is an in-process identity directory for tests and local runs.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*domain.Identity
	byEmail map[string]*domain.Identity
	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*domain.Identity),
		byEmail: make(map[string]*domain.Identity),
	}
}

func (r *MemoryRepository) FindByEmail(ctx context.Context, normalizedEmail string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	return copyIdentity(r.byEmail[normalizedEmail]), nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	return copyIdentity(r.byID[id]), nil
}

func (r *MemoryRepository) Create(ctx context.Context, i *domain.Identity) error {
	if err := i.Validate(); err != nil {
		return fmt.Errorf("%w: %v", autherr.ErrInvalidInput, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if _, ok := r.byEmail[i.Email]; ok {
		return fmt.Errorf("create identity: %w", autherr.ErrConflict)
	}
	if _, ok := r.byID[i.ID]; ok {
		return fmt.Errorf("create identity: %w", autherr.ErrConflict)
	}
	c := *i
	r.byID[c.ID] = &c
	r.byEmail[c.Email] = &c
	return nil
}

func copyIdentity(i *domain.Identity) *domain.Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
