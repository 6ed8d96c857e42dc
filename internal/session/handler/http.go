// Package handler exposes the session lifecycle over JSON HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	auditdomain "tracklist-api/backend/internal/audit/domain"
	"tracklist-api/backend/internal/autherr"
	ledgerdomain "tracklist-api/backend/internal/ledger/domain"
	"tracklist-api/backend/internal/security"
	"tracklist-api/backend/internal/session/service"
)

const (
	tokenType = "Bearer"

	defaultActivityLimit = 20
	maxActivityLimit     = 100
)

// Sessions is the session orchestrator as seen by the HTTP layer.
type Sessions interface {
	Login(ctx context.Context, email, password string, meta service.Meta) (*service.LoginResult, error)
	Logout(ctx context.Context, refreshToken string, meta service.Meta) error
	LogoutAll(ctx context.Context, userID string, meta service.Meta) (int64, error)
	ListSessions(ctx context.Context, userID string) ([]*ledgerdomain.Record, error)
	Refresh(ctx context.Context, refreshToken string, meta service.Meta) (*service.TokenPair, error)
}

// AccessVerifier validates access tokens.
type AccessVerifier interface {
	Verify(token string) (*security.AccessClaims, error)
}

// ActivityReader lists a user's audit trail, newest first.
type ActivityReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*auditdomain.Entry, error)
}

// Handler serves /api/auth.
type Handler struct {
	sessions Sessions
	access   AccessVerifier
	activity ActivityReader
	log      *slog.Logger
}

// NewHandler returns a Handler. log may be nil.
func NewHandler(sessions Sessions, access AccessVerifier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sessions: sessions, access: access, log: log}
}

// WithActivity enables GET /api/auth/activity backed by r.
func (h *Handler) WithActivity(r ActivityReader) *Handler {
	h.activity = r
	return h
}

// Register mounts the auth routes on r. Method checks happen in the handlers so a wrong method
// answers 405 even when r is a subrouter.
func (h *Handler) Register(r *mux.Router) {
	s := r.PathPrefix("/api/auth").Subrouter()
	s.HandleFunc("/login", only(http.MethodPost, h.handleLogin))
	s.HandleFunc("/logout", only(http.MethodPost, h.handleLogout))
	s.HandleFunc("/refresh", only(http.MethodPost, h.handleRefresh))
	s.HandleFunc("/me", only(http.MethodGet, h.requireAccess(h.handleMe)))
	s.HandleFunc("/sessions", only(http.MethodGet, h.requireAccess(h.handleSessions)))
	s.HandleFunc("/logout-all", only(http.MethodPost, h.requireAccess(h.handleLogoutAll)))
	if h.activity != nil {
		s.HandleFunc("/activity", only(http.MethodGet, h.requireAccess(h.handleActivity)))
	}
}

// only rejects every method but method with 405 and an Allow header.
func only(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		next(w, r)
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type tokenResponse struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
	TokenType             string    `json:"tokenType"`
}

type loginResponse struct {
	User userResponse `json:"user"`
	tokenResponse
}

type meResponse struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
}

type sessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type logoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

type activityEvent struct {
	Action  string            `json:"action"`
	IP      string            `json:"ip"`
	At      time.Time         `json:"at"`
	Details map[string]string `json:"details,omitempty"`
}

type activityResponse struct {
	Events []activityEvent `json:"events"`
}

func toTokenResponse(p service.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:           p.AccessToken,
		AccessTokenExpiresAt:  p.AccessTokenExpiresAt,
		RefreshToken:          p.RefreshToken,
		RefreshTokenExpiresAt: p.RefreshTokenExpiresAt,
		TokenType:             tokenType,
	}
}

func meta(r *http.Request) service.Meta {
	return service.Meta{UserAgent: r.UserAgent(), IP: ClientIP(r)}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	res, err := h.sessions.Login(r.Context(), req.Email, req.Password, meta(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		User: userResponse{
			ID:    res.Identity.ID,
			Email: res.Identity.Email,
			Role:  string(res.Identity.Role),
		},
		tokenResponse: toTokenResponse(res.TokenPair),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.sessions.Logout(r.Context(), req.RefreshToken, meta(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken, meta(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(*pair))
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	writeJSON(w, http.StatusOK, meResponse{ID: claims.Subject, Role: claims.Role, ExpiresAt: claims.ExpiresAt.Time.UTC()})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserID(r.Context())
	recs, err := h.sessions.ListSessions(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := sessionsResponse{Sessions: make([]sessionResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Sessions = append(out.Sessions, sessionResponse{
			ID:        rec.ID,
			IssuedAt:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
			UserAgent: rec.UserAgent,
			IP:        rec.IP,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserID(r.Context())
	n, err := h.sessions.LogoutAll(r.Context(), userID, meta(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxActivityLimit)
	}
	userID, _ := GetUserID(r.Context())
	entries, err := h.activity.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := activityResponse{Events: make([]activityEvent, 0, len(entries))}
	for _, e := range entries {
		ev := activityEvent{Action: e.Action, IP: e.IP, At: e.CreatedAt.UTC()}
		if f := e.Fields(); len(f) > 0 {
			ev.Details = f
		}
		out.Events = append(out.Events, ev)
	}
	writeJSON(w, http.StatusOK, out)
}

// fail writes the public mapping of err. Replays are logged distinctly so alerting can key on them.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch kind := autherr.KindOf(err); {
	case errors.Is(err, autherr.ErrReplayDetected):
		h.log.WarnContext(r.Context(), "refresh replay rejected", "path", r.URL.Path, "ip", ClientIP(r))
	case kind == autherr.KindInternal:
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeKind(w, err)
}
