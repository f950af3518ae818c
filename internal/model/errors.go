package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an error for the caller.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindConflict
	KindForbidden
	KindNotFound
	KindRateLimited
	KindQuotaExceeded
	KindScanRejected
	KindUpstreamBuild
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindScanRejected:
		return "scan_rejected"
	case KindUpstreamBuild:
		return "upstream_build_error"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Error is a classified error whose Message is safe to show to callers. The
// wrapped Err carries detail for server-side logs only.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes.
const (
	CodeInvalidFilename  = "invalid_filename"
	CodeInvalidRequest   = "invalid_request"
	CodeNameInvalid      = "name_invalid"
	CodeNameTaken        = "name_taken"
	CodeReservationLost  = "reservation_lost"
	CodeTicketExpired    = "ticket_expired"
	CodeTicketConsumed   = "ticket_consumed"
	CodeTicketInvalid    = "ticket_invalid"
	CodeScanFailed       = "scan_failed"
	CodeWarningsPending  = "warnings_unconfirmed"
	CodeInvalidState     = "invalid_state"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeRateLimited      = "rate_limited"
	CodeQuotaExceeded    = "quota_exceeded"
	CodeSecretNotFound   = "secret_not_found"
	CodeBuildUnavailable = "build_unavailable"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal_error"
)

func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func ValidationError(code, message string) *Error {
	return NewError(KindValidation, code, message)
}

func ConflictError(code, message string) *Error {
	return NewError(KindConflict, code, message)
}

func ForbiddenError(message string) *Error {
	return NewError(KindForbidden, CodeForbidden, message)
}

func UnauthorizedError(message string) *Error {
	return NewError(KindUnauthorized, CodeUnauthorized, message)
}

func NotFoundError(message string) *Error {
	return NewError(KindNotFound, CodeNotFound, message)
}

func RateLimitedError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeRateLimited, Message: "too many requests", RetryAfter: retryAfter}
}

func QuotaExceededError(message string) *Error {
	return NewError(KindQuotaExceeded, CodeQuotaExceeded, message)
}

// ScanRejectedError names the failed check category, never its findings.
func ScanRejectedError(category string) *Error {
	return NewError(KindScanRejected, CodeScanFailed, "archive rejected by security scan: "+category)
}

func UpstreamBuildError(err error) *Error {
	return &Error{Kind: KindUpstreamBuild, Code: CodeBuildUnavailable, Message: "build system unavailable", Err: err}
}

func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
