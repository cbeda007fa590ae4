package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindForbidden
	KindUnauthorized
	KindRateLimited
	KindServerError
	KindTimeout
	KindNetwork
	KindRangeNotSatisfiable
	KindBadRequest
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindNotFound:            "not found",
	KindConflict:            "conflict",
	KindForbidden:           "forbidden",
	KindUnauthorized:        "unauthorized",
	KindRateLimited:         "rate limited",
	KindServerError:         "server error",
	KindTimeout:             "timeout",
	KindNetwork:             "network",
	KindRangeNotSatisfiable: "range not satisfiable",
	KindBadRequest:          "bad request",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindBadRequest
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound, status == http.StatusGone:
		return KindNotFound
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return KindConflict
	case status == http.StatusRequestedRangeNotSatisfiable:
		return KindRangeNotSatisfiable
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// Error is returned by every Service method that fails.
type Error struct {
	Op         string
	Kind       Kind
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func NewError(op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// StatusError builds an Error from an HTTP-style status.
func StatusError(op string, status int, code, message string) *Error {
	return &Error{Op: op, Kind: KindFromStatus(status), Status: status, Code: code, Message: message}
}

// WrapError classifies a transport-level failure.
func WrapError(op string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}

	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + " - " + msg
	}
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: %s (%d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("remote %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on retry.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// RetryDelay is the server-requested wait before the next attempt.
func (e *Error) RetryDelay() time.Duration { return e.RetryAfter }

func IsKind(err error, kind Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

func IsConflict(err error) bool { return IsKind(err, KindConflict) }

func IsRangeNotSatisfiable(err error) bool { return IsKind(err, KindRangeNotSatisfiable) }

func IsTimeout(err error) bool {
	return IsKind(err, KindTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err is worth retrying. A per-request deadline
// counts as transient; the caller checks its own context separately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
