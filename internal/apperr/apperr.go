// Package apperr defines the closed set of error kinds surfaced by the
// reconciler, the certificate lifecycle manager and the renewal scheduler.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error
type Kind int

const (
	KindInternal Kind = iota
	KindAlreadyExists
	KindNotFound
	KindPreconditionFailed
	KindInvalidConfig
	KindReloadFailed
	KindRollbackFailed
	KindParseError
	KindDomainMismatch
	KindExpired
	KindKeyMismatch
	KindRateLimited
	KindNotYetDue
	KindFatal
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindAlreadyExists:      "already_exists",
	KindNotFound:           "not_found",
	KindPreconditionFailed: "precondition_failed",
	KindInvalidConfig:      "invalid_config",
	KindReloadFailed:       "reload_failed",
	KindRollbackFailed:     "rollback_failed",
	KindParseError:         "parse_error",
	KindDomainMismatch:     "domain_mismatch",
	KindExpired:            "expired",
	KindKeyMismatch:        "key_mismatch",
	KindRateLimited:        "rate_limited",
	KindNotYetDue:          "not_yet_due",
	KindFatal:              "fatal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a typed error carrying a Kind. Reason holds the collaborator's
// failure text for ReloadFailed and renewal errors.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && e.Err.Error() != e.Reason {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so the package
// sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is
var (
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrReloadFailed       = &Error{Kind: KindReloadFailed}
	ErrRollbackFailed     = &Error{Kind: KindRollbackFailed}
	ErrParse              = &Error{Kind: KindParseError}
	ErrDomainMismatch     = &Error{Kind: KindDomainMismatch}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrKeyMismatch        = &Error{Kind: KindKeyMismatch}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrNotYetDue          = &Error{Kind: KindNotYetDue}
	ErrFatal              = &Error{Kind: KindFatal}
)

// New creates an *Error of the given kind
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind wrapping err
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ReloadFailed builds the error surfaced when activation of a proposed artifact fails
func ReloadFailed(op, reason string) *Error {
	return &Error{Kind: KindReloadFailed, Op: op, Message: "proxy reload failed", Reason: reason}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API responds with
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindNotYetDue:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindInvalidConfig, KindParseError:
		return http.StatusBadRequest
	case KindDomainMismatch, KindExpired, KindKeyMismatch:
		return http.StatusUnprocessableEntity
	case KindReloadFailed:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKey returns the i18n key for an error response
func ErrorKey(err error) string {
	return "error." + KindOf(err).String()
}
