package apperr

import (
	"errors"
	"net/http"
)

// Kind is the coarse error class exposed at the API boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindRateLimited
	KindConflict
)

// Error codes surfaced to clients.
const (
	CodeInvalidCredentials   = "InvalidCredentials"
	CodeExpired              = "Expired"
	CodeMalformed            = "Malformed"
	CodeMissingToken         = "MissingToken"
	CodeForbidden            = "Forbidden"
	CodeInvalidMode          = "InvalidMode"
	CodeConsentRequired      = "ConsentRequired"
	CodePayloadTooLarge      = "PayloadTooLarge"
	CodeUnsupportedMediaType = "UnsupportedMediaType"
	CodeBadRequest           = "BadRequest"
	CodeNotFound             = "NotFound"
	CodeNotReady             = "NotReady"
	CodeJobFailed            = "JobFailed"
	CodeRateLimited          = "RateLimited"
	CodeInternal             = "Internal"
)

// Error is a classified error safe to render to a client.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches another *Error by code so errors.Is works against the
// package-level sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidCredentials   = New(KindAuthentication, CodeInvalidCredentials, "incorrect username or password")
	ErrExpired              = New(KindAuthentication, CodeExpired, "token has expired")
	ErrMalformed            = New(KindAuthentication, CodeMalformed, "token is malformed or has an invalid signature")
	ErrMissingToken         = New(KindAuthentication, CodeMissingToken, "bearer token required")
	ErrForbidden            = New(KindAuthorization, CodeForbidden, "access denied")
	ErrInvalidMode          = New(KindValidation, CodeInvalidMode, "mode must be one of word-frequency, full, metadata, entropy")
	ErrConsentRequired      = New(KindValidation, CodeConsentRequired, "explicit consent required")
	ErrPayloadTooLarge      = New(KindValidation, CodePayloadTooLarge, "file exceeds the maximum upload size")
	ErrUnsupportedMediaType = New(KindValidation, CodeUnsupportedMediaType, "file is not a PDF document")
	ErrNotFound             = New(KindNotFound, CodeNotFound, "job not found")
	ErrNotReady             = New(KindConflict, CodeNotReady, "job has not finished")
	ErrRateLimited          = New(KindRateLimited, CodeRateLimited, "rate limit exceeded")
	ErrInternal             = New(KindInternal, CodeInternal, "internal error")
)

// BadRequest builds a validation error with a custom message.
func BadRequest(msg string) *Error {
	return New(KindValidation, CodeBadRequest, msg)
}

// JobFailed reports a terminal failed job when its result is requested.
func JobFailed(msg string) *Error {
	return New(KindConflict, CodeJobFailed, msg)
}

// From extracts the classified error from err, falling back to ErrInternal
// so unclassified failures never leak their message.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
