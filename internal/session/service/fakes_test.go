package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/db"
	"tracklist-api/backend/internal/db/dbtest"
	identityrepo "tracklist-api/backend/internal/identity/repository"
	ledgerdomain "tracklist-api/backend/internal/ledger/domain"
	ledgerrepo "tracklist-api/backend/internal/ledger/repository"
)

// faultyLedger wraps the memory ledger without exposing Rotate, so the service falls back to
// Insert followed by RevokeAndReplace. Faults are injected per method.
type faultyLedger struct {
	inner *ledgerrepo.MemoryRepository

	mu                   sync.Mutex
	insertConflicts      int
	revokeAndReplaceErr  error
	revokeByHashFailures int
	revokeByHashN        int
	revokeAllErr         error
	revokeAllN           int
}

func newFaultyLedger() *faultyLedger {
	return &faultyLedger{inner: ledgerrepo.NewMemoryRepository()}
}

func (l *faultyLedger) setInsertConflicts(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertConflicts = n
}

func (l *faultyLedger) setRevokeAndReplaceErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revokeAndReplaceErr = err
}

func (l *faultyLedger) setRevokeByHashFailures(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revokeByHashFailures = n
}

func (l *faultyLedger) setRevokeAllErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revokeAllErr = err
}

func (l *faultyLedger) revokeByHashCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revokeByHashN
}

func (l *faultyLedger) revokeAllCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revokeAllN
}

func (l *faultyLedger) Insert(ctx context.Context, rec *ledgerdomain.Record) (*ledgerdomain.Record, error) {
	l.mu.Lock()
	if l.insertConflicts > 0 {
		l.insertConflicts--
		l.mu.Unlock()
		return nil, fmt.Errorf("insert refresh token: %w", autherr.ErrConflict)
	}
	l.mu.Unlock()
	return l.inner.Insert(ctx, rec)
}

func (l *faultyLedger) FindByHash(ctx context.Context, tokenHash string) (*ledgerdomain.Record, error) {
	return l.inner.FindByHash(ctx, tokenHash)
}

func (l *faultyLedger) RevokeByHash(ctx context.Context, tokenHash string, at time.Time) error {
	l.mu.Lock()
	l.revokeByHashN++
	if l.revokeByHashFailures > 0 {
		l.revokeByHashFailures--
		l.mu.Unlock()
		return fmt.Errorf("revoke refresh token: %w", autherr.ErrStoreUnavailable)
	}
	l.mu.Unlock()
	return l.inner.RevokeByHash(ctx, tokenHash, at)
}

func (l *faultyLedger) RevokeAndReplace(ctx context.Context, oldTokenHash, newJTI string, at time.Time) (bool, error) {
	l.mu.Lock()
	err := l.revokeAndReplaceErr
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	return l.inner.RevokeAndReplace(ctx, oldTokenHash, newJTI, at)
}

func (l *faultyLedger) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	l.mu.Lock()
	l.revokeAllN++
	err := l.revokeAllErr
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return l.inner.RevokeAllForUser(ctx, userID, at)
}

func (l *faultyLedger) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*ledgerdomain.Record, error) {
	return l.inner.ListActiveByUser(ctx, userID, now)
}

// conflictingRotator fails the next n Rotate calls with a uniqueness conflict.
type conflictingRotator struct {
	*ledgerrepo.MemoryRepository

	mu        sync.Mutex
	conflicts int
}

func (l *conflictingRotator) setConflicts(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conflicts = n
}

func (l *conflictingRotator) Rotate(ctx context.Context, next *ledgerdomain.Record, oldTokenHash string, at time.Time) (bool, error) {
	l.mu.Lock()
	if l.conflicts > 0 {
		l.conflicts--
		l.mu.Unlock()
		return false, fmt.Errorf("rotate refresh token: %w", autherr.ErrConflict)
	}
	l.mu.Unlock()
	return l.MemoryRepository.Rotate(ctx, next, oldTokenHash, at)
}

func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	return newFixtureWith(t,
		identityrepo.NewSQLRepository(conn, db.DriverSQLite),
		ledgerrepo.NewSQLRepository(conn, db.DriverSQLite),
	)
}
