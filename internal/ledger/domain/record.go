// Package domain holds the refresh token ledger record.
package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is the durable state of one issued refresh token. Only the token's digest is stored.
// A record moves from active to revoked at most once; expiry is detected at read time.
type Record struct {
	ID            string
	UserID        string
	TokenHash     string
	JTI           string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time // nil while not revoked
	ReplacedByJTI string     // jti of the rotation successor; empty when none
	UserAgent     string
	IP            string
}

// IsRevoked reports whether the record has been consumed, logged out or invalidated.
func (r *Record) IsRevoked() bool {
	return r.RevokedAt != nil
}

// IsExpired reports whether now is at or past ExpiresAt.
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsActive reports whether the record is neither revoked nor expired at now.
func (r *Record) IsActive(now time.Time) bool {
	return !r.IsRevoked() && !r.IsExpired(now)
}

// NewID returns a new record id (ULID).
func NewID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
