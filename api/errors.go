package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

// StatusForError maps domain errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrKeyNotFound),
		errors.Is(err, interfaces.ErrSessionNotFound),
		errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrKeyRevoked),
		errors.Is(err, interfaces.ErrKeyExpired),
		errors.Is(err, interfaces.ErrInvalidKeyState),
		errors.Is(err, interfaces.ErrSessionCancelled):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrHardwareMismatch):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrIntegrityCheckFailed),
		errors.Is(err, interfaces.ErrAuthenticationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrKeystoreSealed),
		errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrInvalidLocationURI):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a plain text response with its mapped status.
func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusForError(err))
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusError is returned by API clients for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// ReadResponse checks the status of resp and decodes its JSON body into out,
// which may be nil.
func ReadResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}
