package ds

import (
	"errors"
	"fmt"
)

// Startup errors. Any of these disables the integration.
var (
	ErrCertificateMismatch      = errors.New("certificate fingerprint mismatch")
	ErrCertificateUnavailable   = errors.New("certificate unavailable")
	ErrInvalidFingerprintFormat = errors.New("invalid fingerprint format")
)

// Per-request errors returned by Client.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTimeout      = errors.New("request timed out")
	ErrNetwork      = errors.New("network error")
	ErrServer       = errors.New("server error")
)

// Event channel errors.
var (
	// ErrChannelGivenUp is returned when the reconnect budget is exhausted.
	ErrChannelGivenUp = errors.New("event channel gave up reconnecting")
	ErrChannelClosed  = errors.New("event channel closed")
)

// StatusError is a non-2xx response from the controller.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

// Unwrap makes errors.Is(err, ErrServer) hold for every StatusError.
func (e *StatusError) Unwrap() error {
	return ErrServer
}
