package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

// Reason narrows a Code down to one of the engine's error kinds.
type Reason string

const (
	ReasonConfiguration   Reason = "CONFIGURATION"
	ReasonDuplicateAnswer Reason = "DUPLICATE_ANSWER"
	ReasonPolicyViolation Reason = "POLICY_VIOLATION"
	ReasonSessionClosed   Reason = "SESSION_CLOSED"
	ReasonNetwork         Reason = "NETWORK"
	ReasonRemoteRejection Reason = "REMOTE_REJECTION"
	ReasonConflict        Reason = "CONFLICT"
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusPreconditionFailed,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s = fmt.Sprintf("code: %d, reason: %s, message: %s", e.Code, e.Reason, e.Message)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// FromHTTPStatus maps an HTTP status returned by the remote backend back to a Code.
func FromHTTPStatus(s int) Code {
	for c, h := range code2http {
		if h == s {
			return c
		}
	}

	switch {
	case s >= 500:
		return CodeUnavailable
	case s >= 400:
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func Configuration(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithReason(ReasonConfiguration), WithMessagef(format, args...))
}

func DuplicateAnswer(format string, args ...any) *Error {
	return New(CodeAlreadyExists, WithReason(ReasonDuplicateAnswer), WithMessagef(format, args...))
}

func PolicyViolation(format string, args ...any) *Error {
	return New(CodeFailedPrecondition, WithReason(ReasonPolicyViolation), WithMessagef(format, args...))
}

func SessionClosed(format string, args ...any) *Error {
	return New(CodeFailedPrecondition, WithReason(ReasonSessionClosed), WithMessagef(format, args...))
}

func Network(err error) *Error {
	return New(CodeUnavailable, WithReason(ReasonNetwork), WithCause(err))
}

func Conflict(format string, args ...any) *Error {
	return New(CodeAlreadyExists, WithReason(ReasonConflict), WithMessagef(format, args...))
}

func RemoteRejection(code Code, message string) *Error {
	return New(code, WithReason(ReasonRemoteRejection), WithMessagef("%s", message))
}

// HasReason reports whether any *Error in err's chain carries reason r.
func HasReason(err error, r Reason) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Reason == r
}

func IsConfiguration(err error) bool   { return HasReason(err, ReasonConfiguration) }
func IsDuplicateAnswer(err error) bool { return HasReason(err, ReasonDuplicateAnswer) }
func IsPolicyViolation(err error) bool { return HasReason(err, ReasonPolicyViolation) }
func IsSessionClosed(err error) bool   { return HasReason(err, ReasonSessionClosed) }
func IsConflict(err error) bool        { return HasReason(err, ReasonConflict) }

// Retryable reports whether a failed remote call may succeed if sent again.
// Errors that are not *Error are treated as transport failures.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}

	switch e.Code {
	case CodeUnavailable, CodeInternal:
		return true
	}

	return e.Reason == ReasonNetwork
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(r Reason) Option {
	return optionFunc(func(e *Error) {
		e.Reason = r
	})
}
