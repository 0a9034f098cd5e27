// Package apperr defines the closed set of error kinds surfaced by the
// service layer. Each kind carries the HTTP status the API boundary uses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindRateLimited
	KindInsufficientCredits
	KindUpstream
	KindUpstreamTimeout
)

// 稳定错误码
const (
	CodeInvalidRequest      = "ERR_INVALID_REQUEST"
	CodeUnauthorized        = "ERR_UNAUTHORIZED"
	CodeForbidden           = "ERR_FORBIDDEN"
	CodeNotFound            = "ERR_NOT_FOUND"
	CodeRateLimited         = "ERR_RATE_LIMITED"
	CodeInsufficientCredits = "ERR_INSUFFICIENT_CREDITS"
	CodeUpstream            = "ERR_UPSTREAM"
	CodeUpstreamTimeout     = "ERR_UPSTREAM_TIMEOUT"
	CodeInternal            = "ERR_INTERNAL_ERROR"

	CodeMissingFile       = "ERR_MISSING_FILE"
	CodeInvalidFileType   = "ERR_INVALID_FILE_TYPE"
	CodeFileTooLarge      = "ERR_FILE_TOO_LARGE"
	CodeInvalidFilename   = "ERR_INVALID_FILENAME"
	CodeTokenExpired      = "ERR_TOKEN_EXPIRED"
	CodeTokenMalformed    = "ERR_TOKEN_MALFORMED"
	CodeSessionInvalid    = "ERR_SESSION_INVALID"
	CodeRefreshInvalid    = "ERR_REFRESH_INVALID"
	CodeUserDisabled      = "ERR_USER_DISABLED"
	CodeDailyLimitReached = "ERR_DAILY_LIMIT"
)

// HTTPStatus returns the status hint for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindUpstream:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientCredits:
		return "insufficient_credits"
	case KindUpstream:
		return "upstream"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	default:
		return "internal"
	}
}

func (k Kind) defaultCode() string {
	switch k {
	case KindValidation:
		return CodeInvalidRequest
	case KindAuthentication:
		return CodeUnauthorized
	case KindAuthorization:
		return CodeForbidden
	case KindNotFound:
		return CodeNotFound
	case KindRateLimited:
		return CodeRateLimited
	case KindInsufficientCredits:
		return CodeInsufficientCredits
	case KindUpstream:
		return CodeUpstream
	case KindUpstreamTimeout:
		return CodeUpstreamTimeout
	default:
		return CodeInternal
	}
}

// Error is a classified error with a message that is safe to return to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches structured details that are always safe to expose.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New builds an error of the given kind using the kind's default code.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: kind.defaultCode(), Message: message}
}

// NewCode builds an error with an explicit code.
func NewCode(kind Kind, code, message string) *Error {
	if code == "" {
		code = kind.defaultCode()
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies cause under the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Code: kind.defaultCode(), Message: message, Err: cause}
}

// WrapCode classifies cause under the given kind and code.
func WrapCode(kind Kind, code, message string, cause error) *Error {
	e := Wrap(kind, message, cause)
	if code != "" {
		e.Code = code
	}
	return e
}

func Validation(message string) *Error      { return New(KindValidation, message) }
func Unauthenticated(message string) *Error { return New(KindAuthentication, message) }
func Forbidden(message string) *Error       { return New(KindAuthorization, message) }
func NotFound(message string) *Error        { return New(KindNotFound, message) }
func RateLimited(message string) *Error     { return New(KindRateLimited, message) }

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// As extracts the classified error from a chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when it is unclassified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
