package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can pick a recovery strategy
// without string-matching error text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork covers failed or timed-out HTTP calls. Retry is the
	// caller's decision; nothing retries these internally.
	KindNetwork
	// KindAuth covers 401/403 responses, including channel-token fetches.
	KindAuth
	// KindTransport covers realtime channel failures (socket drop, broker
	// read error). The connection manager owns retrying these.
	KindTransport
	// KindValidation covers rejected create/cancel payloads.
	KindValidation
	// KindConflict covers 409 on booking creation (slot already taken).
	KindConflict
)

// Error is the single error type crossing package boundaries in this
// service. Status is the HTTP status to surface when the error reaches
// the API layer.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a validation-style error from a status and message.
func New(status int, message string) *Error {
	kind := KindValidation
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusConflict:
		kind = KindConflict
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// Network wraps a failed outbound call.
func Network(message string, err error) *Error {
	return &Error{Kind: KindNetwork, Status: http.StatusBadGateway, Message: message, Err: err}
}

// Transport wraps a realtime channel failure.
func Transport(message string, err error) *Error {
	return &Error{Kind: KindTransport, Status: http.StatusServiceUnavailable, Message: message, Err: err}
}

// Unauthorized marks a 401/403 from the reservation service or token
// endpoint. Kept distinct so reconnect loops know to stop.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: message}
}

// FromStatus maps a reservation-service response status to an Error.
func FromStatus(status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized("reservation service rejected credentials")
	case status == http.StatusConflict:
		return &Error{Kind: KindConflict, Status: status, Message: body}
	case status >= 400 && status < 500:
		return &Error{Kind: KindValidation, Status: status, Message: body}
	default:
		return &Error{Kind: KindNetwork, Status: status, Message: body}
	}
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNetwork(err error) bool    { return kindOf(err) == KindNetwork }
func IsAuth(err error) bool       { return kindOf(err) == KindAuth }
func IsTransport(err error) bool  { return kindOf(err) == KindTransport }
func IsValidation(err error) bool { return kindOf(err) == KindValidation }
func IsConflict(err error) bool   { return kindOf(err) == KindConflict }

// IsAbort reports whether err is the result of deliberate teardown.
// Abort errors are swallowed, never surfaced to users.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

// HTTPStatus returns the status to write for err, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
