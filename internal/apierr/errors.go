// Package apierr holds the bridge error taxonomy and its HTTP mapping.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrWorkerNotReady = errors.New("worker not ready")
	ErrPublishFailed  = errors.New("publish failed")
	ErrGatewayTimeout = errors.New("gateway timeout")
	ErrDraining       = errors.New("server draining")
	// ErrMalformedEvent is internal only: it is logged and dropped, never
	// returned to the transport.
	ErrMalformedEvent = errors.New("malformed event")
)

// Status maps err to an HTTP status code. Unknown errors map to 500.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrWorkerNotReady):
		return http.StatusConflict
	case errors.Is(err, ErrPublishFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrDraining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err as {"error": "<status text>"} with the mapped status.
func Write(w http.ResponseWriter, err error) {
	code := Status(err)
	WriteJSON(w, code, map[string]string{"error": http.StatusText(code)})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
