package carrier

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	// ErrNotConfigured means credentials or required settings are missing.
	// It is returned before any network call.
	ErrNotConfigured = errors.New("carrier not configured")
	// ErrUnauthenticated means the carrier rejected our credentials.
	ErrUnauthenticated = errors.New("carrier rejected credentials")
)

// StatusError is a non-2xx answer from a carrier API.
type StatusError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
}

const maxErrorBody = 256

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, body)
}

// Unwrap lets callers test 401/403 answers with errors.Is(err, ErrUnauthenticated).
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthenticated
	}
	return nil
}
