package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"tracklist-api/backend/internal/autherr"
)

const maxBodyBytes = 64 << 10

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type errorMapping struct {
	status  int
	code    string
	message string
}

// errorTable maps each error kind to its public response. Messages are generic; the kinds that
// must stay indistinguishable to callers share one entry.
var errorTable = map[autherr.Kind]errorMapping{
	autherr.KindInvalidInput:         {http.StatusBadRequest, "invalid_request", "invalid request"},
	autherr.KindNotFound:             {http.StatusUnauthorized, "invalid_credentials", "invalid email or password"},
	autherr.KindInvalidCredentials:   {http.StatusUnauthorized, "invalid_credentials", "invalid email or password"},
	autherr.KindAuthenticationFailed: {http.StatusUnauthorized, "invalid_credentials", "invalid email or password"},
	autherr.KindInvalidToken:         {http.StatusUnauthorized, "invalid_token", "invalid or expired refresh token"},
	autherr.KindUnknownToken:         {http.StatusUnauthorized, "invalid_token", "invalid or expired refresh token"},
	autherr.KindReplayDetected:       {http.StatusUnauthorized, "session_revoked", "session revoked, sign in again"},
	autherr.KindConflict:             {http.StatusConflict, "conflict", "request could not be completed"},
	autherr.KindStoreUnavailable:     {http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable"},
	autherr.KindInternal:             {http.StatusInternalServerError, "internal_error", "internal error"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeKind answers with the public mapping of err's kind.
func writeKind(w http.ResponseWriter, err error) {
	kind := autherr.KindOf(err)
	m, ok := errorTable[kind]
	if !ok {
		m = errorTable[autherr.KindInternal]
	}
	if kind.Retryable() {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	writeError(w, m.status, m.code, m.message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
