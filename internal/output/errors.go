package output

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"
)

// Error is a structured error with code, message, and optional hint.
type Error struct {
	Code       string
	Message    string
	Hint       string
	HTTPStatus int
	RetryAfter time.Duration // only for rate_limited; zero means the server gave no hint
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Hint)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ExitCode returns the appropriate exit code for this error.
func (e *Error) ExitCode() int {
	return ExitCodeFor(e.Code)
}

// Error constructors for common cases.

func ErrUsage(msg string) *Error {
	return &Error{Code: CodeUsage, Message: msg}
}

func ErrUsageHint(msg, hint string) *Error {
	return &Error{Code: CodeUsage, Message: msg, Hint: hint}
}

func ErrUnauthorized(msg string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Message: msg,
		Hint:    "Run: qry auth login",
	}
}

func ErrUnauthorizedStatus(status int, msg string) *Error {
	return &Error{
		Code:       CodeUnauthorized,
		Message:    msg,
		Hint:       "Run: qry auth login",
		HTTPStatus: status,
	}
}

func ErrNotFound(resource, identifier string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, identifier),
	}
}

func ErrInvalidArgument(status int, msg string) *Error {
	return &Error{
		Code:       CodeInvalidArgument,
		Message:    msg,
		HTTPStatus: status,
	}
}

func ErrRateLimited(retryAfter time.Duration) *Error {
	hint := "Try again later"
	if retryAfter > 0 {
		hint = fmt.Sprintf("Try again in %s", retryAfter)
	}
	return &Error{
		Code:       CodeRateLimited,
		Message:    "Rate limited",
		Hint:       hint,
		HTTPStatus: 429,
		RetryAfter: retryAfter,
	}
}

func ErrUnavailable(status int, msg string) *Error {
	return &Error{
		Code:       CodeUnavailable,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  true,
	}
}

func ErrNetwork(cause error) *Error {
	return &Error{
		Code:      CodeNetwork,
		Message:   "Network error",
		Hint:      "Check connectivity",
		Retryable: true,
		Cause:     cause,
	}
}

// ErrTimeout reports a request that exceeded its deadline. Same kind
// as ErrNetwork, distinct message so callers can tell the two apart.
func ErrTimeout(cause error) *Error {
	return &Error{
		Code:      CodeNetwork,
		Message:   "Request timed out",
		Hint:      "Check connectivity",
		Retryable: true,
		Cause:     cause,
	}
}

// ErrNetworkStatus reports a non-2xx response that does not fit a more
// specific kind on an endpoint where any failure is a transport-level
// concern (e.g. the token service).
func ErrNetworkStatus(status int, msg string) *Error {
	return &Error{
		Code:       CodeNetwork,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  true,
	}
}

func ErrFormatUnsupported(version int) *Error {
	return &Error{
		Code:    CodeFormatUnsupported,
		Message: fmt.Sprintf("Unsupported credentials format version %d", version),
		Hint:    "Upgrade qry or run: qry auth login",
	}
}

func ErrPathInvalid(path, reason string) *Error {
	return &Error{
		Code:    CodePathInvalid,
		Message: fmt.Sprintf("Invalid credentials path %s: %s", path, reason),
	}
}

func ErrInternal(msg string, cause error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// ErrStatus classifies an HTTP status into the matching kind. The
// mapping is total; statuses outside every bucket yield unknown.
func ErrStatus(status int, msg string) *Error {
	code := KindForStatus(status)
	return &Error{
		Code:       code,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  code == CodeUnavailable,
	}
}

// AsError attempts to convert an error to an *Error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    CodeUnknown,
		Message: err.Error(),
		Cause:   err,
	}
}

// ParseRetryAfter interprets a Retry-After header as delta seconds or
// an HTTP-date. Absent, unparseable, or already-elapsed values mean
// the server gave no usable hint, which is not an error.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if until, err := http.ParseTime(header); err == nil {
		d := until.Sub(now)
		if d < 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

// Excerpt truncates a response body to a short diagnostic string.
// Bodies can be large or sensitive downstream; callers must only pass
// bodies that are safe to surface.
func Excerpt(body []byte, max int) string {
	if len(body) <= max {
		return string(body)
	}
	cut := body[:max]
	// Don't split a multi-byte rune at the boundary.
	for len(cut) > 0 && !utf8.Valid(cut) {
		cut = cut[:len(cut)-1]
	}
	return string(cut) + "..."
}
