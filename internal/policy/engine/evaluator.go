package engine

import "context"

// Operations a session policy is asked about.
const (
	OperationLogin   = "login"
	OperationRefresh = "refresh"
)

// SessionInput is what the policy sees. Request provenance (IP, user agent) is never part of it.
type SessionInput struct {
	Operation string
	UserID    string
	Role      string
	Status    string
}

// Decision is the result of a session admission check. Reason is set by the policy when it denies.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluator decides whether an identity may open or extend a session.
type Evaluator interface {
	EvaluateSession(ctx context.Context, in SessionInput) (Decision, error)
}
