package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/ledger/domain"
)

// MemoryRepository is a mutex-guarded in-process ledger with the same conditional semantics as
// SQLRepository. Each method holds the lock for its whole write, which makes it atomic.
type MemoryRepository struct {
	mu     sync.Mutex
	byHash map[string]*domain.Record
	jtis   map[string]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byHash: make(map[string]*domain.Record),
		jtis:   make(map[string]struct{}),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.insertLocked(rec); err != nil {
		return nil, err
	}
	return copyRecord(rec), nil
}

func (r *MemoryRepository) insertLocked(rec *domain.Record) error {
	if _, ok := r.byHash[rec.TokenHash]; ok {
		return fmt.Errorf("insert refresh token: %w", autherr.ErrConflict)
	}
	if _, ok := r.jtis[rec.JTI]; ok {
		return fmt.Errorf("insert refresh token: %w", autherr.ErrConflict)
	}
	r.byHash[rec.TokenHash] = copyRecord(rec)
	r.jtis[rec.JTI] = struct{}{}
	return nil
}

func (r *MemoryRepository) FindByHash(ctx context.Context, tokenHash string) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyRecord(r.byHash[tokenHash]), nil
}

func (r *MemoryRepository) RevokeByHash(ctx context.Context, tokenHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byHash[tokenHash]; ok && rec.RevokedAt == nil {
		t := at.UTC()
		rec.RevokedAt = &t
	}
	return nil
}

func (r *MemoryRepository) RevokeAndReplace(ctx context.Context, oldTokenHash, newJTI string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revokeAndReplaceLocked(oldTokenHash, newJTI, at), nil
}

func (r *MemoryRepository) revokeAndReplaceLocked(oldTokenHash, newJTI string, at time.Time) bool {
	rec, ok := r.byHash[oldTokenHash]
	if !ok || rec.RevokedAt != nil {
		return false
	}
	t := at.UTC()
	rec.RevokedAt = &t
	rec.ReplacedByJTI = newJTI
	return true
}

func (r *MemoryRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.byHash {
		if rec.UserID == userID && rec.IsActive(at) {
			t := at.UTC()
			rec.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Rotate(ctx context.Context, next *domain.Record, oldTokenHash string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byHash[oldTokenHash]
	if !ok || old.RevokedAt != nil {
		return false, nil
	}
	if err := r.insertLocked(next); err != nil {
		return false, err
	}
	return r.revokeAndReplaceLocked(oldTokenHash, next.JTI, at), nil
}

func (r *MemoryRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Record
	for _, rec := range r.byHash {
		if rec.UserID == userID && rec.IsActive(now) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Records returns a copy of every stored record for userID, in no particular order.
func (r *MemoryRepository) Records(userID string) []*domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Record
	for _, rec := range r.byHash {
		if rec.UserID == userID {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

func copyRecord(rec *domain.Record) *domain.Record {
	if rec == nil {
		return nil
	}
	c := *rec
	if rec.RevokedAt != nil {
		t := *rec.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}
