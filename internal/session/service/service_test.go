package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tracklist-api/backend/internal/autherr"
	identitydomain "tracklist-api/backend/internal/identity/domain"
	identityrepo "tracklist-api/backend/internal/identity/repository"
	identityservice "tracklist-api/backend/internal/identity/service"
	ledgerdomain "tracklist-api/backend/internal/ledger/domain"
	ledgerrepo "tracklist-api/backend/internal/ledger/repository"
	"tracklist-api/backend/internal/policy/engine"
	"tracklist-api/backend/internal/security"
)

const (
	testEmail    = "a@b.com"
	testPassword = "secret123"
	testUserID   = "user-1"
)

var testMeta = Meta{UserAgent: "test-agent/1.0", IP: "203.0.113.9"}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type auditEntry struct {
	userID, action, ip string
	metadata           map[string]string
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (r *recordingAudit) LogEvent(ctx context.Context, userID, action, ip string, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, auditEntry{userID: userID, action: action, ip: ip, metadata: metadata})
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.action
	}
	return out
}

func (r *recordingAudit) last() auditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingMetrics) Record(ctx context.Context, operation, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[operation+"/"+result]++
}

func (m *recordingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

type fixture struct {
	svc     *Service
	users   *identityrepo.MemoryRepository
	ledger  ledgerrepo.Repository
	access  *security.AccessTokenIssuer
	refresh *security.RefreshTokenIssuer
	clock   *testClock
	audit   *recordingAudit
	metrics *recordingMetrics
}

// identityStore is the directory the fixture verifies against.
type identityStore interface {
	FindByEmail(ctx context.Context, normalizedEmail string) (*identitydomain.Identity, error)
	FindByID(ctx context.Context, id string) (*identitydomain.Identity, error)
	Create(ctx context.Context, i *identitydomain.Identity) error
}

func newFixture(t *testing.T, ledger ledgerrepo.Repository) *fixture {
	t.Helper()
	users := identityrepo.NewMemoryRepository()
	f := newFixtureWith(t, users, ledger)
	f.users = users
	return f
}

func newFixtureWith(t *testing.T, users identityStore, ledger ledgerrepo.Repository) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	hasher := security.NewHasher(4)
	hash, err := hasher.Hash([]byte(testPassword))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := users.Create(ctx, &identitydomain.Identity{
		ID: testUserID, Email: testEmail, PasswordHash: hash,
		Role: identitydomain.RoleUser, Status: identitydomain.StatusActive, CreatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("Create identity: %v", err)
	}
	access, refresh, err := security.NewTestIssuers(clock.Now)
	if err != nil {
		t.Fatalf("NewTestIssuers: %v", err)
	}
	policy, err := engine.NewOPAEvaluator(ctx, "")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	f := &fixture{
		ledger:  ledger,
		access:  access,
		refresh: refresh,
		clock:   clock,
		audit:   &recordingAudit{},
		metrics: &recordingMetrics{},
	}
	f.svc = NewService(
		identityservice.NewCredentialVerifier(users, hasher),
		users, access, refresh, ledger,
		WithPolicy(policy),
		WithAudit(f.audit),
		WithMetrics(f.metrics),
		WithClock(clock.Now),
		WithCleanupBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	return f
}

func (f *fixture) login(t *testing.T) *LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), testEmail, testPassword, testMeta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func (f *fixture) record(t *testing.T, token string) *ledgerdomain.Record {
	t.Helper()
	rec, err := f.ledger.FindByHash(context.Background(), security.HashRefreshToken(token))
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if rec == nil {
		t.Fatal("no ledger record for token")
	}
	return rec
}

func (f *fixture) active(t *testing.T) []*ledgerdomain.Record {
	t.Helper()
	recs, err := f.ledger.(ledgerrepo.Lister).ListActiveByUser(context.Background(), testUserID, f.clock.Now())
	if err != nil {
		t.Fatalf("ListActiveByUser: %v", err)
	}
	return recs
}

func wantKind(t *testing.T, err error, want autherr.Kind) {
	t.Helper()
	if got := autherr.KindOf(err); got != want || err == nil {
		t.Fatalf("error kind = %v (%v), want %v", got, err, want)
	}
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)

	if res.Identity.ID != testUserID {
		t.Errorf("identity = %q", res.Identity.ID)
	}
	if res.Identity.PasswordHash != "" {
		t.Error("login result must not carry the stored password hash")
	}
	claims, err := f.access.Verify(res.AccessToken)
	if err != nil {
		t.Fatalf("access Verify: %v", err)
	}
	if claims.Subject != testUserID || claims.Role != "user" {
		t.Errorf("access claims sub=%q role=%q", claims.Subject, claims.Role)
	}

	rec := f.record(t, res.RefreshToken)
	if rec.RevokedAt != nil || rec.ReplacedByJTI != "" {
		t.Errorf("new record must be active: %+v", rec)
	}
	if rec.UserID != testUserID || rec.UserAgent != testMeta.UserAgent || rec.IP != testMeta.IP {
		t.Errorf("record provenance: %+v", rec)
	}
	rc, err := f.refresh.Verify(res.RefreshToken)
	if err != nil {
		t.Fatalf("refresh Verify: %v", err)
	}
	if rec.JTI != rc.ID {
		t.Errorf("record jti = %q, token jti = %q", rec.JTI, rc.ID)
	}
	if !rec.ExpiresAt.Equal(rc.ExpiresAt.Time) || !res.RefreshTokenExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("expiry: record %v, token %v, result %v", rec.ExpiresAt, rc.ExpiresAt.Time, res.RefreshTokenExpiresAt)
	}
	if f.metrics.get("login/success") != 1 {
		t.Errorf("login/success = %d", f.metrics.get("login/success"))
	}
	if e := f.audit.last(); e.action != "login_success" || e.userID != testUserID || e.ip != testMeta.IP {
		t.Errorf("audit = %+v", e)
	}
}

func TestLogin_TokenHashRoundTrip(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)
	h1 := security.HashRefreshToken(res.RefreshToken)
	h2 := security.HashRefreshToken(res.RefreshToken)
	if h1 != h2 {
		t.Fatal("hashing is not deterministic")
	}
	if rec := f.record(t, res.RefreshToken); rec.TokenHash != h1 {
		t.Errorf("stored hash %q != computed %q", rec.TokenHash, h1)
	}
}

func TestLogin_Failures(t *testing.T) {
	testCases := []struct {
		name     string
		email    string
		password string
		setup    func(f *fixture)
		want     autherr.Kind
	}{
		{"empty email", "", testPassword, nil, autherr.KindInvalidInput},
		{"empty password", testEmail, "", nil, autherr.KindInvalidInput},
		{"malformed email", "not-an-email", testPassword, nil, autherr.KindInvalidInput},
		{"unknown email", "nobody@b.com", testPassword, nil, autherr.KindAuthenticationFailed},
		{"wrong password", testEmail, "wrong-password", nil, autherr.KindAuthenticationFailed},
		{"disabled account", testEmail, testPassword, func(f *fixture) {
			f.users.Update(testUserID, identitydomain.RoleUser, identitydomain.StatusDisabled)
		}, autherr.KindAuthenticationFailed},
		{"unknown role", testEmail, testPassword, func(f *fixture) {
			f.users.Update(testUserID, "guest", identitydomain.StatusActive)
		}, autherr.KindAuthenticationFailed},
		{"directory down", testEmail, testPassword, func(f *fixture) {
			f.users.Err = fmt.Errorf("find identity: %w", autherr.ErrStoreUnavailable)
		}, autherr.KindStoreUnavailable},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, ledgerrepo.NewMemoryRepository())
			if tc.setup != nil {
				tc.setup(f)
			}
			res, err := f.svc.Login(context.Background(), tc.email, tc.password, testMeta)
			if res != nil {
				t.Error("result must be nil on failure")
			}
			wantKind(t, err, tc.want)
			f.users.Err = nil
			if n := len(f.active(t)); n != 0 {
				t.Errorf("failed login created %d ledger records", n)
			}
		})
	}
}

func TestLogin_FailureMessageIsGeneric(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	_, errUnknown := f.svc.Login(context.Background(), "nobody@b.com", testPassword, testMeta)
	_, errWrong := f.svc.Login(context.Background(), testEmail, "wrong-password", testMeta)
	if !errors.Is(errUnknown, autherr.ErrAuthenticationFailed) || !errors.Is(errWrong, autherr.ErrAuthenticationFailed) {
		t.Fatalf("errors: %v / %v", errUnknown, errWrong)
	}
	if errors.Is(errUnknown, autherr.ErrNotFound) || errors.Is(errWrong, autherr.ErrInvalidCredentials) {
		t.Error("the underlying reason must not be reachable from the returned error")
	}
}

func TestRefresh_RotatesOnce(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)
	f.users.Update(testUserID, identitydomain.RoleAdmin, identitydomain.StatusActive)

	pair, err := f.svc.Refresh(context.Background(), res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == res.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	claims, err := f.access.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("access Verify: %v", err)
	}
	if claims.Role != "admin" {
		t.Errorf("role = %q, want the directory's current role admin", claims.Role)
	}

	old := f.record(t, res.RefreshToken)
	next := f.record(t, pair.RefreshToken)
	if old.RevokedAt == nil {
		t.Error("old record must be revoked")
	}
	if old.ReplacedByJTI != next.JTI {
		t.Errorf("ReplacedByJTI = %q, want %q", old.ReplacedByJTI, next.JTI)
	}
	if next.RevokedAt != nil {
		t.Error("new record must be active")
	}
	active := f.active(t)
	if len(active) != 1 || active[0].JTI != next.JTI {
		t.Errorf("active records = %d, want only the successor", len(active))
	}
	if f.metrics.get("refresh/success") != 1 {
		t.Errorf("refresh/success = %d", f.metrics.get("refresh/success"))
	}
}

func TestRefresh_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledgerrepo.NewMemoryRepository())

	res, err := f.svc.Login(ctx, "a@b.com", "secret123", testMeta)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	refresh1 := res.RefreshToken

	pair, err := f.svc.Refresh(ctx, refresh1, testMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	refresh2 := pair.RefreshToken
	if f.record(t, refresh1).RevokedAt == nil {
		t.Fatal("refresh1 must be revoked after rotation")
	}

	_, err = f.svc.Refresh(ctx, refresh1, testMeta)
	wantKind(t, err, autherr.KindReplayDetected)

	_, err = f.svc.Refresh(ctx, refresh2, testMeta)
	wantKind(t, err, autherr.KindReplayDetected)

	if n := len(f.active(t)); n != 0 {
		t.Errorf("active records after replay = %d, want 0", n)
	}
	want := []string{"login_success", "token_refreshed", "refresh_replay_detected", "refresh_replay_detected"}
	got := f.audit.actions()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
	if f.metrics.get("replay_detected/revoked_token_presented") != 2 {
		t.Errorf("replay counter = %d", f.metrics.get("replay_detected/revoked_token_presented"))
	}
}

func TestRefresh_ReplayRevokesEveryChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	laptop := f.login(t)
	phone := f.login(t)

	if _, err := f.svc.Refresh(ctx, laptop.RefreshToken, testMeta); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n := len(f.active(t)); n != 2 {
		t.Fatalf("active = %d, want 2 (one per device)", n)
	}

	_, err := f.svc.Refresh(ctx, laptop.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindReplayDetected)

	if n := len(f.active(t)); n != 0 {
		t.Errorf("active = %d after replay, want 0", n)
	}
	_, err = f.svc.Refresh(ctx, phone.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindReplayDetected)
	if e := f.audit.last(); e.metadata["revoked"] != "0" {
		t.Errorf("second replay revoked %q records, want 0", e.metadata["revoked"])
	}
}

func TestRefresh_InvalidTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"empty":        "",
		"access token": res.AccessToken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Refresh(ctx, token, testMeta)
			wantKind(t, err, autherr.KindInvalidToken)
		})
	}
	if f.record(t, res.RefreshToken).RevokedAt != nil {
		t.Error("invalid tokens must not touch the ledger")
	}
}

func TestRefresh_ExpiredToken(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)
	f.clock.Advance(25 * time.Hour)

	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindInvalidToken)
	if f.record(t, res.RefreshToken).RevokedAt != nil {
		t.Error("expired token must not touch the ledger")
	}
}

func TestRefresh_ExpiredRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	issued, err := f.refresh.Issue(testUserID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	now := f.clock.Now()
	if _, err := f.ledger.Insert(ctx, &ledgerdomain.Record{
		ID: "rec-expired", UserID: testUserID, TokenHash: issued.TokenHash, JTI: issued.JTI,
		IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, err = f.svc.Refresh(ctx, issued.Token, testMeta)
	wantKind(t, err, autherr.KindInvalidToken)
	if f.record(t, issued.Token).RevokedAt != nil {
		t.Error("expired record must be left untouched")
	}
}

func TestRefresh_UnknownToken(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	issued, err := f.refresh.Issue(testUserID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = f.svc.Refresh(context.Background(), issued.Token, testMeta)
	wantKind(t, err, autherr.KindUnknownToken)
}

func TestRefresh_MissingIdentity(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)
	f.users.Delete(testUserID)

	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindUnknownToken)
	rec := f.record(t, res.RefreshToken)
	if rec.RevokedAt == nil || rec.ReplacedByJTI != "" {
		t.Errorf("record must be revoked without successor: %+v", rec)
	}
}

func TestRefresh_PolicyDenied(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)
	f.users.Update(testUserID, identitydomain.RoleUser, identitydomain.StatusDisabled)

	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindAuthenticationFailed)
	if f.record(t, res.RefreshToken).RevokedAt == nil {
		t.Error("denied refresh must revoke the presented token")
	}
	if n := len(f.active(t)); n != 0 {
		t.Errorf("denied refresh left %d active records", n)
	}
	if e := f.audit.last(); e.action != "session_denied" || e.metadata["reason"] != "account_inactive" {
		t.Errorf("audit = %+v", e)
	}
}

func TestRefresh_DirectoryUnavailable(t *testing.T) {
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)
	f.users.Err = fmt.Errorf("find identity: %w", autherr.ErrStoreUnavailable)

	_, err := f.svc.Refresh(context.Background(), res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindStoreUnavailable)
	if !autherr.KindOf(err).Retryable() {
		t.Error("store failures must be retryable")
	}
	f.users.Err = nil
	if f.record(t, res.RefreshToken).RevokedAt != nil {
		t.Error("the token must stay usable after a transient failure")
	}
}

func TestLogout_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	res := f.login(t)

	for i := 0; i < 2; i++ {
		if err := f.svc.Logout(ctx, res.RefreshToken, testMeta); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	rec := f.record(t, res.RefreshToken)
	if rec.RevokedAt == nil || rec.ReplacedByJTI != "" {
		t.Errorf("logout must revoke without successor: %+v", rec)
	}

	unknown, err := f.refresh.Issue(testUserID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for _, token := range []string{unknown.Token, "garbage", ""} {
		if err := f.svc.Logout(ctx, token, testMeta); err != nil {
			t.Errorf("Logout(%q): %v", token, err)
		}
	}
	if e := f.audit.actions(); e[1] != "logout" {
		t.Errorf("audit actions = %v", e)
	}
}

func TestLogout_StoreUnavailable(t *testing.T) {
	ledger := newFaultyLedger()
	f := newFixture(t, ledger)
	res := f.login(t)
	ledger.setRevokeByHashFailures(100)

	err := f.svc.Logout(context.Background(), res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindStoreUnavailable)
}

func TestLogoutAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	f.login(t)
	f.login(t)

	n, err := f.svc.LogoutAll(ctx, testUserID, testMeta)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked %d, want 2", n)
	}
	if len(f.active(t)) != 0 {
		t.Error("records remain active")
	}
	if _, err := f.svc.LogoutAll(ctx, "", testMeta); autherr.KindOf(err) != autherr.KindInvalidInput {
		t.Errorf("empty user: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledgerrepo.NewMemoryRepository())
	first := f.login(t)
	f.clock.Advance(time.Minute)
	second := f.login(t)
	if err := f.svc.Logout(ctx, first.RefreshToken, testMeta); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	got, err := f.svc.ListSessions(ctx, testUserID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 1 || got[0].JTI != f.record(t, second.RefreshToken).JTI {
		t.Errorf("sessions = %+v", got)
	}
}

func TestRefresh_ConcurrentSameToken(t *testing.T) {
	for name, ledger := range map[string]ledgerrepo.Repository{
		"rotator":    ledgerrepo.NewMemoryRepository(),
		"two writes": newFaultyLedger(),
	} {
		t.Run(name, func(t *testing.T) {
			runConcurrentRefresh(t, newFixture(t, ledger))
		})
	}
}

// runConcurrentRefresh presents one token from many goroutines: exactly one call wins, every other
// call observes a replay, and the replay response leaves no live child of the parent.
func runConcurrentRefresh(t *testing.T, f *fixture) {
	t.Helper()
	res := f.login(t)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Refresh(context.Background(), res.RefreshToken, testMeta)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful refreshes = %d, want 1", wins)
	}
	for _, err := range failures {
		if autherr.KindOf(err) != autherr.KindReplayDetected {
			t.Errorf("loser error = %v, want ReplayDetected", err)
		}
	}
	if n := len(f.active(t)); n != 0 {
		t.Errorf("active records = %d, want 0 after replay response", n)
	}
	if old := f.record(t, res.RefreshToken); old.ReplacedByJTI == "" {
		t.Error("parent must name exactly one successor")
	}
}

func TestLogin_ConflictRetriedOnce(t *testing.T) {
	ledger := newFaultyLedger()
	ledger.setInsertConflicts(1)
	f := newFixture(t, ledger)

	res := f.login(t)
	if f.record(t, res.RefreshToken).RevokedAt != nil {
		t.Error("retried record must be active")
	}

	ledger.setInsertConflicts(2)
	_, err := f.svc.Login(context.Background(), testEmail, testPassword, testMeta)
	wantKind(t, err, autherr.KindConflict)
}

func TestRefresh_ConflictRetriedOnce(t *testing.T) {
	for name, setup := range map[string]func() (ledgerrepo.Repository, func(n int)){
		"rotator": func() (ledgerrepo.Repository, func(n int)) {
			l := &conflictingRotator{MemoryRepository: ledgerrepo.NewMemoryRepository()}
			return l, l.setConflicts
		},
		"two writes": func() (ledgerrepo.Repository, func(n int)) {
			l := newFaultyLedger()
			return l, l.setInsertConflicts
		},
	} {
		t.Run(name, func(t *testing.T) {
			ledger, conflicts := setup()
			f := newFixture(t, ledger)
			res := f.login(t)

			conflicts(1)
			pair, err := f.svc.Refresh(context.Background(), res.RefreshToken, testMeta)
			if err != nil {
				t.Fatalf("Refresh after one conflict: %v", err)
			}
			if f.record(t, res.RefreshToken).ReplacedByJTI != f.record(t, pair.RefreshToken).JTI {
				t.Error("chain link must name the regenerated token")
			}

			conflicts(2)
			_, err = f.svc.Refresh(context.Background(), pair.RefreshToken, testMeta)
			wantKind(t, err, autherr.KindConflict)
			if f.record(t, pair.RefreshToken).RevokedAt != nil {
				t.Error("a failed rotation must leave the presented token active")
			}
		})
	}
}

func TestRefresh_OrphanedSuccessorIsRevoked(t *testing.T) {
	ctx := context.Background()
	ledger := newFaultyLedger()
	f := newFixture(t, ledger)
	res := f.login(t)

	ledger.setRevokeAndReplaceErr(fmt.Errorf("revoke and replace: %w", autherr.ErrStoreUnavailable))
	ledger.setRevokeByHashFailures(2)
	_, err := f.svc.Refresh(ctx, res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindStoreUnavailable)

	if got := ledger.revokeByHashCalls(); got != 3 {
		t.Errorf("cleanup attempts = %d, want 3", got)
	}
	active := f.active(t)
	if len(active) != 1 || active[0].TokenHash != security.HashRefreshToken(res.RefreshToken) {
		t.Fatalf("only the presented token may stay active, got %d records", len(active))
	}

	// The caller retries once the store recovers.
	ledger.setRevokeAndReplaceErr(nil)
	if _, err := f.svc.Refresh(ctx, res.RefreshToken, testMeta); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(f.active(t)); n != 1 {
		t.Errorf("active records after retry = %d, want 1", n)
	}
}

func TestRefresh_ReplayWithFailingRevokeAll(t *testing.T) {
	ctx := context.Background()
	ledger := newFaultyLedger()
	f := newFixture(t, ledger)
	res := f.login(t)
	if _, err := f.svc.Refresh(ctx, res.RefreshToken, testMeta); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ledger.setRevokeAllErr(fmt.Errorf("revoke all: %w", autherr.ErrStoreUnavailable))
	_, err := f.svc.Refresh(ctx, res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindReplayDetected)
	if !errors.Is(err, autherr.ErrStoreUnavailable) {
		t.Error("the revoke-all failure must stay visible in the chain")
	}
	if got := ledger.revokeAllCalls(); got != 1 {
		t.Errorf("revoke-all calls = %d, want exactly 1", got)
	}
}

func TestService_SQLite(t *testing.T) {
	f := newSQLiteFixture(t)
	ctx := context.Background()

	res := f.login(t)
	pair, err := f.svc.Refresh(ctx, res.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	old := f.record(t, res.RefreshToken)
	if old.RevokedAt == nil || old.ReplacedByJTI != f.record(t, pair.RefreshToken).JTI {
		t.Errorf("old record: %+v", old)
	}
	_, err = f.svc.Refresh(ctx, res.RefreshToken, testMeta)
	wantKind(t, err, autherr.KindReplayDetected)
	if n := len(f.active(t)); n != 0 {
		t.Errorf("active = %d after replay", n)
	}
	if err := f.svc.Logout(ctx, pair.RefreshToken, testMeta); err != nil {
		t.Errorf("Logout: %v", err)
	}
}

func TestService_SQLiteConcurrentRefresh(t *testing.T) {
	runConcurrentRefresh(t, newSQLiteFixture(t))
}
