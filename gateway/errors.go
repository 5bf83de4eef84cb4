package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrConfiguration is returned when the client cannot be constructed from the given config.
	ErrConfiguration = errors.New("invalid gateway configuration")

	// ErrRequest is returned when a call fails at the transport level or the gateway rejects it.
	ErrRequest = errors.New("gateway request failed")

	// ErrDecoding is returned when a successful response does not have the expected shape.
	ErrDecoding = errors.New("gateway response could not be decoded")

	// ErrUnreachable is returned when no HTTP response was received from the gateway.
	ErrUnreachable = errors.New("gateway unreachable")

	// ErrUnauthorized is returned when the gateway answered 401 or 403.
	ErrUnauthorized = errors.New("gateway session not authenticated")
)

// ConfigurationError reports a base address that cannot be used.
type ConfigurationError struct {
	BaseURL string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid gateway base URL %q: %v", e.BaseURL, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is supports errors.Is(err, ErrConfiguration).
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// RequestError is returned when the gateway could not be reached or answered
// with a non-2xx status. StatusCode is zero for transport failures.
type RequestError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: gateway unreachable: %v", e.Operation, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: gateway returned %d: %s", e.Operation, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: gateway returned %d", e.Operation, e.StatusCode)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is supports errors.Is against ErrRequest, ErrUnreachable and ErrUnauthorized.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrRequest:
		return true
	case ErrUnreachable:
		return e.Unreachable()
	case ErrUnauthorized:
		return e.Unauthorized()
	}
	return false
}

// Unreachable reports whether the call never produced an HTTP response.
func (e *RequestError) Unreachable() bool {
	return e.StatusCode == 0
}

// Unauthorized reports whether the gateway rejected the call for lack of an
// authenticated session.
func (e *RequestError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// DecodingError is returned when a 2xx body does not match the expected
// response shape, usually a client/gateway version mismatch.
type DecodingError struct {
	Operation string
	Body      []byte
	Err       error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Operation, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// Is supports errors.Is(err, ErrDecoding).
func (e *DecodingError) Is(target error) bool {
	return target == ErrDecoding
}
