package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies gateway failures
type Kind string

const (
	// KindNetwork covers transport failures and timeouts
	KindNetwork Kind = "network"
	// KindServer covers 5xx and throttling responses
	KindServer Kind = "server"
	// KindAuth covers rejected credentials
	KindAuth Kind = "auth"
	// KindConflict is an optimistic concurrency rejection
	KindConflict Kind = "conflict"
	// KindNotFound means the server has no such record
	KindNotFound Kind = "not_found"
	// KindValidation is a permanent rejection of the payload
	KindValidation Kind = "validation"
	// KindUnknown is anything else
	KindUnknown Kind = "unknown"
)

// Transient reports whether a failure of this kind may succeed if retried
// unchanged
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindServer, KindAuth, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is a classified gateway failure
type Error struct {
	Kind       Kind   `json:"-"`
	StatusCode int    `json:"status_code,omitempty"`
	Code       string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s error %d: %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. It returns "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindNetwork
	}
	return KindUnknown
}

// KindFromStatus maps an HTTP status code to a Kind
func KindFromStatus(code int) Kind {
	switch {
	case code == http.StatusConflict:
		return KindConflict
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return KindValidation
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests, code >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// StatusFromKind is the inverse of KindFromStatus for serving errors
func StatusFromKind(k Kind) int {
	switch k {
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}
