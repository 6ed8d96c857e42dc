// Package service is the session orchestrator: login, logout, and refresh-token rotation with
// reuse detection over the refresh ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tracklist-api/backend/internal/audit"
	"tracklist-api/backend/internal/autherr"
	identitydomain "tracklist-api/backend/internal/identity/domain"
	ledgerdomain "tracklist-api/backend/internal/ledger/domain"
	ledgerrepo "tracklist-api/backend/internal/ledger/repository"
	"tracklist-api/backend/internal/policy/engine"
	"tracklist-api/backend/internal/security"
	telemetryotel "tracklist-api/backend/internal/telemetry/otel"
)

// orphanCleanupTries bounds how often a successor whose predecessor could not be revoked is
// itself revoked before giving up.
const orphanCleanupTries = 4

// Meta is request provenance recorded on ledger records and audit entries. It never takes part
// in authorization.
type Meta struct {
	UserAgent string
	IP        string
}

// TokenPair is a freshly issued access token and refresh token.
type TokenPair struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// LoginResult is the verified identity plus its first token pair.
type LoginResult struct {
	Identity *identitydomain.Identity
	TokenPair
}

// CredentialVerifier checks an email and password.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (*identitydomain.Identity, error)
}

// Directory looks identities up by id. Returns nil, nil when absent.
type Directory interface {
	FindByID(ctx context.Context, id string) (*identitydomain.Identity, error)
}

// AccessIssuer signs access tokens.
type AccessIssuer interface {
	Issue(userID, role string) (security.AccessToken, error)
}

// RefreshIssuer signs and verifies refresh tokens.
type RefreshIssuer interface {
	Issue(userID string) (security.IssuedRefreshToken, error)
	Verify(token string) (*security.RefreshClaims, error)
}

// Metrics counts operation outcomes.
type Metrics interface {
	Record(ctx context.Context, operation, result string)
}

// Service orchestrates the session lifecycle. It holds no mutable state of its own; the ledger is
// the only shared resource and all of its conditional writes are atomic.
type Service struct {
	verifier  CredentialVerifier
	directory Directory
	access    AccessIssuer
	refresh   RefreshIssuer
	ledger    ledgerrepo.Repository

	policy   engine.Evaluator
	audit    audit.AuditLogger
	metrics  Metrics
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	cleanupB func() backoff.BackOff
}

// Option configures optional collaborators.
type Option func(*Service)

// WithPolicy sets the session admission policy evaluated at login and refresh. Without one every
// verified identity is admitted.
func WithPolicy(p engine.Evaluator) Option { return func(s *Service) { s.policy = p } }

// WithAudit sets the audit logger.
func WithAudit(a audit.AuditLogger) Option { return func(s *Service) { s.audit = a } }

// WithMetrics sets the outcome counters.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock sets the clock used for ledger timestamps. Issuers keep their own clocks.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithCleanupBackOff sets the backoff policy for revoking an orphaned successor record.
func WithCleanupBackOff(b func() backoff.BackOff) Option { return func(s *Service) { s.cleanupB = b } }

// NewService returns a Service with the given dependencies.
func NewService(
	verifier CredentialVerifier,
	directory Directory,
	access AccessIssuer,
	refresh RefreshIssuer,
	ledger ledgerrepo.Repository,
	opts ...Option,
) *Service {
	s := &Service{
		verifier:  verifier,
		directory: directory,
		access:    access,
		refresh:   refresh,
		ledger:    ledger,
		log:       slog.Default(),
		tracer:    otel.Tracer("tracklist-api/backend/internal/session/service"),
		now:       time.Now,
		cleanupB: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login verifies credentials and opens a new rotation chain.
// Malformed input fails with autherr.ErrInvalidInput; an unknown email, wrong password or policy
// denial all fail with autherr.ErrAuthenticationFailed.
func (s *Service) Login(ctx context.Context, email, password string, meta Meta) (res *LoginResult, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Login")
	defer func() { s.finish(ctx, span, telemetryotel.OpLogin, err) }()

	ident, err := s.verifier.Verify(ctx, email, password)
	if err != nil {
		switch autherr.KindOf(err) {
		case autherr.KindInvalidInput:
			s.auditEvent(ctx, "", audit.ActionLoginFailure, meta, map[string]string{"reason": "invalid_input"})
			return nil, err
		case autherr.KindNotFound, autherr.KindInvalidCredentials:
			s.auditEvent(ctx, "", audit.ActionLoginFailure, meta, map[string]string{"reason": autherr.KindOf(err).String()})
			return nil, fmt.Errorf("login: %w", autherr.ErrAuthenticationFailed)
		default:
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	span.SetAttributes(attribute.String("user.id", ident.ID))

	if err := s.admit(ctx, engine.OperationLogin, ident, meta); err != nil {
		return nil, err
	}

	access, err := s.access.Issue(ident.ID, string(ident.Role))
	if err != nil {
		return nil, fmt.Errorf("login: issue access token: %w", err)
	}
	issued, err := s.issueAndInsert(ctx, ident.ID, meta)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	s.auditEvent(ctx, ident.ID, audit.ActionLoginSuccess, meta, map[string]string{"jti": issued.JTI})
	return &LoginResult{
		Identity: ident,
		TokenPair: TokenPair{
			AccessToken:           access.Token,
			AccessTokenExpiresAt:  access.ExpiresAt,
			RefreshToken:          issued.Token,
			RefreshTokenExpiresAt: issued.ExpiresAt,
		},
	}, nil
}

// Logout revokes the presented refresh token. Unknown, malformed and already revoked tokens are
// a successful no-op; only store failures are returned.
func (s *Service) Logout(ctx context.Context, refreshToken string, meta Meta) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.Logout")
	defer func() { s.finish(ctx, span, telemetryotel.OpLogout, err) }()

	if refreshToken == "" {
		return nil
	}
	if err := s.ledger.RevokeByHash(ctx, security.HashRefreshToken(refreshToken), s.clock()); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	var userID string
	if claims, verr := s.refresh.Verify(refreshToken); verr == nil {
		userID = claims.Subject
	}
	s.auditEvent(ctx, userID, audit.ActionLogout, meta, nil)
	return nil
}

// LogoutAll revokes every active refresh token of userID and returns how many were revoked.
func (s *Service) LogoutAll(ctx context.Context, userID string, meta Meta) (n int64, err error) {
	ctx, span := s.tracer.Start(ctx, "session.LogoutAll")
	defer func() { s.finish(ctx, span, telemetryotel.OpLogoutAll, err) }()

	if userID == "" {
		return 0, fmt.Errorf("logout all: %w: user id is required", autherr.ErrInvalidInput)
	}
	n, err = s.ledger.RevokeAllForUser(ctx, userID, s.clock())
	if err != nil {
		return 0, fmt.Errorf("logout all: %w", err)
	}
	s.auditEvent(ctx, userID, audit.ActionLogoutAll, meta, map[string]string{"revoked": strconv.FormatInt(n, 10)})
	return n, nil
}

// ListSessions returns the active ledger records of userID, newest first. The ledger must
// implement ledgerrepo.Lister.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*ledgerdomain.Record, error) {
	lister, ok := s.ledger.(ledgerrepo.Lister)
	if !ok {
		return nil, errors.New("list sessions: ledger cannot list records")
	}
	recs, err := lister.ListActiveByUser(ctx, userID, s.clock())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

// Refresh exchanges a refresh token for a new token pair and retires the presented token.
//
// A token that verifies but is already revoked is a replay: every active session of its owner is
// revoked and the call fails with autherr.ErrReplayDetected. Losing a race against a concurrent
// refresh of the same token is treated the same way.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta Meta) (pair *TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Refresh")
	defer func() { s.finish(ctx, span, telemetryotel.OpRefresh, err) }()

	claims, err := s.refresh.Verify(refreshToken)
	if err != nil {
		s.auditEvent(ctx, "", audit.ActionRefreshRejected, meta, map[string]string{"reason": autherr.KindInvalidToken.String()})
		return nil, fmt.Errorf("refresh: %w", autherr.ErrInvalidToken)
	}
	hash := security.HashRefreshToken(refreshToken)
	rec, err := s.ledger.FindByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if rec == nil || rec.JTI != claims.ID || rec.UserID != claims.Subject {
		s.auditEvent(ctx, claims.Subject, audit.ActionRefreshRejected, meta, map[string]string{"reason": autherr.KindUnknownToken.String()})
		return nil, fmt.Errorf("refresh: %w", autherr.ErrUnknownToken)
	}
	span.SetAttributes(attribute.String("user.id", rec.UserID))

	now := s.clock()
	if rec.IsRevoked() {
		return nil, s.replayDetected(ctx, rec, meta, "revoked_token_presented")
	}
	if rec.IsExpired(now) {
		s.auditEvent(ctx, rec.UserID, audit.ActionRefreshRejected, meta, map[string]string{"reason": "expired"})
		return nil, fmt.Errorf("refresh: %w", autherr.ErrInvalidToken)
	}

	ident, err := s.directory.FindByID(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if ident == nil {
		if err := s.ledger.RevokeByHash(ctx, hash, now); err != nil {
			return nil, fmt.Errorf("refresh: %w", err)
		}
		s.auditEvent(ctx, rec.UserID, audit.ActionRefreshRejected, meta, map[string]string{"reason": "identity_missing"})
		return nil, fmt.Errorf("refresh: %w", autherr.ErrUnknownToken)
	}
	if err := s.admit(ctx, engine.OperationRefresh, ident, meta); err != nil {
		if rerr := s.ledger.RevokeByHash(ctx, hash, now); rerr != nil {
			return nil, fmt.Errorf("refresh: %w", rerr)
		}
		return nil, err
	}

	access, err := s.access.Issue(ident.ID, string(ident.Role))
	if err != nil {
		return nil, fmt.Errorf("refresh: issue access token: %w", err)
	}
	issued, matched, err := s.rotate(ctx, rec, meta, now)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if !matched {
		return nil, s.replayDetected(ctx, rec, meta, "concurrent_rotation")
	}

	s.auditEvent(ctx, ident.ID, audit.ActionTokenRefreshed, meta, map[string]string{"jti": issued.JTI, "replaces": rec.JTI})
	return &TokenPair{
		AccessToken:           access.Token,
		AccessTokenExpiresAt:  access.ExpiresAt,
		RefreshToken:          issued.Token,
		RefreshTokenExpiresAt: issued.ExpiresAt,
	}, nil
}

// rotate issues the successor of old and retires old. matched is false when old was revoked by
// someone else first; nothing of the successor survives in that case except through revoke-all.
func (s *Service) rotate(ctx context.Context, old *ledgerdomain.Record, meta Meta, now time.Time) (security.IssuedRefreshToken, bool, error) {
	for attempt := 0; ; attempt++ {
		issued, err := s.refresh.Issue(old.UserID)
		if err != nil {
			return security.IssuedRefreshToken{}, false, fmt.Errorf("issue refresh token: %w", err)
		}
		next, err := s.newRecord(old.UserID, issued, meta, now)
		if err != nil {
			return security.IssuedRefreshToken{}, false, err
		}
		matched, err := s.swap(ctx, next, old.TokenHash, now)
		if errors.Is(err, autherr.ErrConflict) && attempt == 0 {
			s.log.WarnContext(ctx, "refresh token collision; regenerating", "user_id", old.UserID)
			continue
		}
		return issued, matched, err
	}
}

// swap inserts next and revokes the record at oldHash in its favour.
func (s *Service) swap(ctx context.Context, next *ledgerdomain.Record, oldHash string, at time.Time) (bool, error) {
	if rotator, ok := s.ledger.(ledgerrepo.Rotator); ok {
		return rotator.Rotate(ctx, next, oldHash, at)
	}
	if _, err := s.ledger.Insert(ctx, next); err != nil {
		return false, err
	}
	matched, err := s.ledger.RevokeAndReplace(ctx, oldHash, next.JTI, at)
	if err != nil {
		// Two active records now share one chain. Retire the new one; the caller still holds the old.
		if cerr := s.revokeOrphan(ctx, next.TokenHash, at); cerr != nil {
			s.log.ErrorContext(ctx, "orphaned refresh token left active", "user_id", next.UserID, "jti", next.JTI, "error", cerr)
		}
		return false, err
	}
	return matched, nil
}

func (s *Service) revokeOrphan(ctx context.Context, hash string, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.ledger.RevokeByHash(ctx, hash, at)
	}, backoff.WithBackOff(s.cleanupB()), backoff.WithMaxTries(orphanCleanupTries))
	return err
}

// replayDetected revokes every active record of rec's owner exactly once and returns the
// ReplayDetected failure. A failed revoke-all is logged and reported alongside, never retried.
func (s *Service) replayDetected(ctx context.Context, rec *ledgerdomain.Record, meta Meta, reason string) error {
	n, err := s.ledger.RevokeAllForUser(ctx, rec.UserID, s.clock())
	s.recordMetric(ctx, telemetryotel.OpReplayDetected, reason)
	md := map[string]string{"reason": reason, "jti": rec.JTI, "revoked": strconv.FormatInt(n, 10)}
	if err != nil {
		md["revoke_error"] = err.Error()
	}
	s.auditEvent(ctx, rec.UserID, audit.ActionReplayDetected, meta, md)
	s.log.WarnContext(ctx, "refresh token reuse detected", "user_id", rec.UserID, "jti", rec.JTI, "reason", reason, "revoked", n)
	if err != nil {
		s.log.ErrorContext(ctx, "revoke all after replay failed", "user_id", rec.UserID, "error", err)
		return fmt.Errorf("refresh: %w: revoke all: %w", autherr.ErrReplayDetected, err)
	}
	return fmt.Errorf("refresh: %w", autherr.ErrReplayDetected)
}

// issueAndInsert mints a refresh token for userID and records it, regenerating once on a ledger
// uniqueness conflict.
func (s *Service) issueAndInsert(ctx context.Context, userID string, meta Meta) (security.IssuedRefreshToken, error) {
	now := s.clock()
	for attempt := 0; ; attempt++ {
		issued, err := s.refresh.Issue(userID)
		if err != nil {
			return security.IssuedRefreshToken{}, fmt.Errorf("issue refresh token: %w", err)
		}
		rec, err := s.newRecord(userID, issued, meta, now)
		if err != nil {
			return security.IssuedRefreshToken{}, err
		}
		_, err = s.ledger.Insert(ctx, rec)
		if errors.Is(err, autherr.ErrConflict) && attempt == 0 {
			s.log.WarnContext(ctx, "refresh token collision; regenerating", "user_id", userID)
			continue
		}
		if err != nil {
			return security.IssuedRefreshToken{}, err
		}
		return issued, nil
	}
}

func (s *Service) newRecord(userID string, issued security.IssuedRefreshToken, meta Meta, now time.Time) (*ledgerdomain.Record, error) {
	id, err := ledgerdomain.NewID(now)
	if err != nil {
		return nil, fmt.Errorf("record id: %w", err)
	}
	return &ledgerdomain.Record{
		ID:        id,
		UserID:    userID,
		TokenHash: issued.TokenHash,
		JTI:       issued.JTI,
		IssuedAt:  now,
		ExpiresAt: issued.ExpiresAt,
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	}, nil
}

// admit applies the session policy. A denial is audited and reported as AuthenticationFailed.
func (s *Service) admit(ctx context.Context, op string, ident *identitydomain.Identity, meta Meta) error {
	if s.policy == nil {
		return nil
	}
	d, err := s.policy.EvaluateSession(ctx, engine.SessionInput{
		Operation: op,
		UserID:    ident.ID,
		Role:      string(ident.Role),
		Status:    string(ident.Status),
	})
	if err != nil {
		return fmt.Errorf("%s: session policy: %w", op, err)
	}
	if !d.Allow {
		s.auditEvent(ctx, ident.ID, audit.ActionSessionDenied, meta, map[string]string{"operation": op, "reason": d.Reason})
		return fmt.Errorf("%s: %s: %w", op, d.Reason, autherr.ErrAuthenticationFailed)
	}
	return nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) auditEvent(ctx context.Context, userID, action string, meta Meta, md map[string]string) {
	if s.audit == nil {
		return
	}
	if meta.UserAgent != "" {
		if md == nil {
			md = make(map[string]string, 1)
		}
		md["user_agent"] = meta.UserAgent
	}
	s.audit.LogEvent(ctx, userID, action, meta.IP, md)
}

func (s *Service) recordMetric(ctx context.Context, op, result string) {
	if s.metrics != nil {
		s.metrics.Record(ctx, op, result)
	}
}

// finish closes span and counts the outcome of op.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) {
	result := "success"
	if err != nil {
		kind := autherr.KindOf(err)
		result = kind.String()
		span.SetStatus(codes.Error, kind.String())
		span.RecordError(err)
		if kind == autherr.KindInternal || kind == autherr.KindStoreUnavailable {
			s.log.ErrorContext(ctx, "session operation failed", "operation", op, "error", err)
		}
	}
	span.SetAttributes(attribute.String("auth.result", result))
	s.recordMetric(ctx, op, result)
	span.End()
}
