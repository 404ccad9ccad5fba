package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Request error kinds.
var (
	ErrConnection     = errors.New("connection failed")
	ErrUnavailable    = errors.New("service unavailable")
	ErrNotFound       = errors.New("not found")
	ErrResponse       = errors.New("response read failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrTimeout        = errors.New("request timed out")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRetryExhausted = errors.New("retries exhausted")
	ErrBadRequest     = errors.New("bad request")

	// ErrInvalidRequest marks a request descriptor that cannot be sent at
	// all. It is a caller bug rather than a network condition.
	ErrInvalidRequest = errors.New("invalid request")
)

var codes = map[error]int{
	ErrConnection:     100001,
	ErrUnavailable:    100002,
	ErrNotFound:       100003,
	ErrResponse:       100004,
	ErrRateLimited:    100005,
	ErrTimeout:        100006,
	ErrUnauthorized:   100007,
	ErrRetryExhausted: 100008,
	ErrBadRequest:     100009,
}

// Error describes a failed request.
type Error struct {
	Kind    error
	Method  string
	URL     string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code returns the numeric code of the error kind, or 0 when unknown.
func (e *Error) Code() int {
	return codes[e.Kind]
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrRetryExhausted) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrResponse)
}

// StatusOf extracts the HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

func statusKind(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUnavailable
	}
}
