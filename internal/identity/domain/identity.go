package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Identity is a user account as seen by the authentication core: who they are, how they prove it,
// and what they may do.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string // bcrypt; cleared on identities returned by CredentialVerifier
	Role         Role
	Status       Status
	CreatedAt    time.Time
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

var (
	ErrEmailRequired = errors.New("email is required")
	ErrInvalidEmail  = errors.New("invalid email format")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// NormalizeEmail trims and case-folds an email address. Lookups always use the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the syntactic form of an already normalized email.
func ValidateEmail(email string) error {
	if email == "" {
		return ErrEmailRequired
	}
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// Validate validates the identity for persistence. Returns an error describing the first validation failure.
func (i *Identity) Validate() error {
	if i.ID == "" {
		return errors.New("id is required")
	}
	if err := ValidateEmail(i.Email); err != nil {
		return err
	}
	if i.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if i.Role == "" {
		i.Role = RoleUser
	}
	if i.Status == "" {
		i.Status = StatusActive
	}
	return nil
}
