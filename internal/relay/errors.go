package relay

import (
	"errors"
	"net/http"
)

var (
	// ErrMalformedPayload is returned when the body is not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidPayload is returned when a decoded payload fails validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrMissingConfiguration is returned when the active strategy has no
	// backend configured. Nothing touches the network in that case.
	ErrMissingConfiguration = errors.New("missing configuration")

	// ErrBackendUnavailable covers connect, append, send and timeout failures.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

const genericErrorMessage = "Internal Server Error"

// StatusFor maps an error from the relay to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is what the caller is allowed to see. Backend failures
// collapse to a generic message; payload problems are echoed.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return "Invalid request body"
	case errors.Is(err, ErrInvalidPayload):
		return err.Error()
	default:
		return genericErrorMessage
	}
}
