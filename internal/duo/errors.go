package duo

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrAuthentication    = errors.New("duo: authentication failed")
	ErrRateLimited       = errors.New("duo: rate limited")
	ErrTransient         = errors.New("duo: transient failure")
	ErrRejected          = errors.New("duo: request rejected")
	ErrSyncManaged       = errors.New("duo: account is managed by directory sync")
	ErrNotFound          = errors.New("duo: not found")
	ErrBatchTooLarge     = errors.New("duo: batch too large")
	ErrInvalidStatus     = errors.New("duo: invalid status")
	ErrMissingCredential = errors.New("duo: missing credential")
)

// APIError is a failure reported by the admin API. It unwraps to one of the package
// sentinels so callers can use errors.Is.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	Detail     string
	RetryAfter time.Duration
	kind       error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.kind.Error())
	var meta []string
	if e.HTTPStatus != 0 {
		meta = append(meta, fmt.Sprintf("http %d", e.HTTPStatus))
	}
	if e.Code != 0 {
		meta = append(meta, fmt.Sprintf("code %d", e.Code))
	}
	if len(meta) > 0 {
		b.WriteString(" (" + strings.Join(meta, ", ") + ")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Detail != "" {
		b.WriteString(" - ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.kind }

// newAPIError classifies a failure by HTTP status, falling back to the Duo code
// (whose first three digits mirror the HTTP status) when the transport said 200.
func newAPIError(httpStatus, code int, message, detail string) *APIError {
	effective := httpStatus
	if effective < 400 && code >= 10000 {
		effective = code / 100
	}
	return &APIError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
		Detail:     detail,
		kind:       kindFor(effective, message+" "+detail),
	}
}

func kindFor(status int, text string) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthentication
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return ErrTransient
	case mentionsDirectorySync(text):
		return ErrSyncManaged
	default:
		return ErrRejected
	}
}

func mentionsDirectorySync(text string) bool {
	text = strings.ToLower(text)
	for _, marker := range []string{"directory sync", "directory-sync", "synced", "managed by a directory", "directory managed"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
