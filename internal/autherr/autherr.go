// Package autherr defines the closed set of failure kinds produced by the
// authentication core. Transport layers map kinds to their own status codes.
package autherr

import "errors"

// Kind classifies an authentication failure.
type Kind uint8

const (
	// KindInternal is any failure that is not one of the classified kinds.
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindInvalidCredentials
	KindAuthenticationFailed
	KindInvalidToken
	KindUnknownToken
	KindReplayDetected
	KindConflict
	KindStoreUnavailable
)

var kindNames = [...]string{
	KindInternal:             "internal",
	KindInvalidInput:         "invalid_input",
	KindNotFound:             "not_found",
	KindInvalidCredentials:   "invalid_credentials",
	KindAuthenticationFailed: "authentication_failed",
	KindInvalidToken:         "invalid_token",
	KindUnknownToken:         "unknown_token",
	KindReplayDetected:       "replay_detected",
	KindConflict:             "conflict",
	KindStoreUnavailable:     "store_unavailable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Retryable reports whether the same call may succeed later. Only transient
// store failures qualify; every other kind fails again with the same input.
func (k Kind) Retryable() bool {
	return k == KindStoreUnavailable
}

// Error is a classified failure. Sentinels below are compared by identity, so
// wrap them with fmt.Errorf("...: %w", ...) to add context.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Sentinel errors, one per kind.
var (
	ErrInvalidInput         = &Error{Kind: KindInvalidInput, msg: "invalid input"}
	ErrNotFound             = &Error{Kind: KindNotFound, msg: "identity not found"}
	ErrInvalidCredentials   = &Error{Kind: KindInvalidCredentials, msg: "invalid credentials"}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed, msg: "authentication failed"}
	ErrInvalidToken         = &Error{Kind: KindInvalidToken, msg: "invalid or expired refresh token"}
	ErrUnknownToken         = &Error{Kind: KindUnknownToken, msg: "refresh token not issued by this system"}
	ErrReplayDetected       = &Error{Kind: KindReplayDetected, msg: "refresh token reuse detected; all sessions revoked"}
	ErrConflict             = &Error{Kind: KindConflict, msg: "ledger uniqueness conflict"}
	ErrStoreUnavailable     = &Error{Kind: KindStoreUnavailable, msg: "store unavailable"}
)

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
