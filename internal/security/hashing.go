package security

import (
	"golang.org/x/crypto/bcrypt"
)

// dummyPassword is hashed once per Hasher so unknown-account logins can burn
// the same bcrypt work as a real comparison.
const dummyPassword = "tracklist-dummy-password-for-timing"

// Hasher hashes and verifies passwords using bcrypt. Callers must not log or
// persist plaintext passwords.
type Hasher struct {
	Cost      int
	dummyHash []byte
}

// NewHasher returns a Hasher with the given bcrypt cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	h := &Hasher{Cost: cost}
	// Only fails for passwords over 72 bytes, which dummyPassword is not.
	h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte(dummyPassword), cost)
	return h
}

// Hash produces a bcrypt hash of password. Returns the hash as a string
// suitable for storage.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies password against the stored hash using constant-time
// comparison. Returns nil if they match; returns an error (including
// bcrypt.ErrMismatchedHashAndPassword) if they do not or on invalid hash.
func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}

// CompareDummy runs a comparison against a throwaway hash of the same cost and
// discards the result. Used when no stored hash exists for the account.
func (h *Hasher) CompareDummy(password []byte) {
	if len(h.dummyHash) == 0 {
		return
	}
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, password)
}
