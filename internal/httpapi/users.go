package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/auth"
	"duoclean.org/internal/duo"
)

type statusChangeRequest struct {
	Status  string `json:"status"`
	Confirm bool   `json:"confirm"`
}

// handleUserResource serves GET /v1/users/{username} and POST /v1/users/{id}/status.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if a.svc.Bypass == nil {
		writeError(w, r, http.StatusNotImplemented, "directory not configured")
		return
	}
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/v1/users/")
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(raw, "/status"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		userID, err := url.PathUnescape(id)
		if err != nil || userID == "" || strings.Contains(userID, "/") {
			writeError(w, r, http.StatusBadRequest, "invalid user id")
			return
		}
		if a.requireRole(w, r, auth.RoleOperator) {
			a.changeStatus(w, r, userID)
		}
		return
	}

	username, err := url.PathUnescape(raw)
	if err != nil || username == "" || strings.Contains(username, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	u, err := a.svc.Bypass.Find(r.Context(), username)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) changeStatus(w http.ResponseWriter, r *http.Request, userID string) {
	var req statusChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := duo.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "status must be one of active, bypass, disabled, locked_out")
		return
	}
	if !req.Confirm {
		writeError(w, r, http.StatusBadRequest, "confirm must be true to change a user's status")
		return
	}
	updated, err := a.svc.Bypass.SetStatus(r.Context(), userID, status)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDirectoryError maps admin API failures onto responses for our callers.
func handleDirectoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, audit.ErrNotPersisted):
		writeError(w, r, http.StatusServiceUnavailable, "audit trail unavailable")
	case errors.Is(err, duo.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, duo.ErrInvalidStatus):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, duo.ErrSyncManaged):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, duo.ErrRejected):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, duo.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusServiceUnavailable, "admin API rate limit reached, retry later")
	case errors.Is(err, duo.ErrAuthentication):
		writeError(w, r, http.StatusBadGateway, "admin API rejected the service credentials")
	case errors.Is(err, duo.ErrTransient):
		writeError(w, r, http.StatusBadGateway, "admin API unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "admin API call did not complete")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
