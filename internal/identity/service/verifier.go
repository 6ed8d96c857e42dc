// Package service verifies email and password credentials against the user directory.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tracklist-api/backend/internal/autherr"
	"tracklist-api/backend/internal/identity/domain"
	"tracklist-api/backend/internal/security"
)

// Directory is the minimal identity lookup needed by the verifier.
type Directory interface {
	FindByEmail(ctx context.Context, normalizedEmail string) (*domain.Identity, error)
}

// CredentialVerifier checks raw email/password pairs. It performs no writes.
type CredentialVerifier struct {
	directory Directory
	hasher    *security.Hasher
}

// NewCredentialVerifier returns a CredentialVerifier with the given dependencies.
func NewCredentialVerifier(directory Directory, hasher *security.Hasher) *CredentialVerifier {
	return &CredentialVerifier{directory: directory, hasher: hasher}
}

// Verify returns the identity matching email when password matches its stored hash. The
// returned identity is a copy with PasswordHash cleared.
// Errors: autherr.ErrInvalidInput for empty fields or a malformed email, autherr.ErrNotFound when
// no identity has that email, autherr.ErrInvalidCredentials on mismatch. Callers at the boundary
// must not reveal which of the last two occurred.
func (v *CredentialVerifier) Verify(ctx context.Context, email, password string) (*domain.Identity, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: email and password are required", autherr.ErrInvalidInput)
	}
	if err := domain.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidInput, err)
	}

	ident, err := v.directory.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if ident == nil || ident.PasswordHash == "" {
		// Burn comparable bcrypt time so a missing account is not observable by latency.
		v.hasher.CompareDummy([]byte(password))
		return nil, autherr.ErrNotFound
	}
	if err := v.hasher.Compare(ident.PasswordHash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, autherr.ErrInvalidCredentials
		}
		// A malformed stored hash cannot match any password.
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidCredentials, err)
	}
	out := *ident
	out.PasswordHash = ""
	return &out, nil
}
