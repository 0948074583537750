// Package output provides JSON/text output formatting and error handling.
package output

// Exit codes, stable for scripting.
const (
	ExitOK              = 0 // Success
	ExitUsage           = 1 // Invalid arguments or flags
	ExitNotFound        = 2 // Resource not found
	ExitUnauthorized    = 3 // Not authenticated / credentials rejected
	ExitInvalidArgument = 4 // Request rejected by the platform (400/422)
	ExitRateLimited     = 5 // Rate limited (429)
	ExitNetwork         = 6 // Connection/DNS/timeout error
	ExitUnavailable     = 7 // Platform returned a 5xx
	ExitInternal        = 8 // Local failure: storage, crypto, decode
)

// Error codes for the JSON envelope. One kind per failure bucket;
// every layer classifies into these and dispatches on them.
const (
	CodeUsage             = "usage"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeInvalidArgument   = "invalid_argument"
	CodeRateLimited       = "rate_limited"
	CodeUnavailable       = "unavailable"
	CodeNetwork           = "network"
	CodeFormatUnsupported = "format_unsupported"
	CodePathInvalid       = "path_invalid"
	CodeInternal          = "internal"
	CodeUnknown           = "unknown"
)

// ExitCodeFor returns the exit code for a given error code.
func ExitCodeFor(code string) int {
	switch code {
	case CodeUsage:
		return ExitUsage
	case CodeNotFound:
		return ExitNotFound
	case CodeUnauthorized:
		return ExitUnauthorized
	case CodeInvalidArgument:
		return ExitInvalidArgument
	case CodeRateLimited:
		return ExitRateLimited
	case CodeNetwork:
		return ExitNetwork
	case CodeUnavailable:
		return ExitUnavailable
	case CodeFormatUnsupported, CodePathInvalid, CodeInternal:
		return ExitInternal
	default:
		return ExitInternal
	}
}

// KindForStatus maps an HTTP status to an error code. Total: every
// status has exactly one kind, defaulting to unknown.
func KindForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return CodeUnauthorized
	case status == 404:
		return CodeNotFound
	case status == 400 || status == 422:
		return CodeInvalidArgument
	case status == 429:
		return CodeRateLimited
	case status >= 500 && status <= 599:
		return CodeUnavailable
	default:
		return CodeUnknown
	}
}
