package upstream

import "strings"

// Error is the classified error shape raised by a Capability. StatusCode is
// the upstream HTTP-like status when known (0 otherwise); Message is the
// raw upstream text used for marker matching.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

// NewError constructs a classified upstream error.
func NewError(statusCode int, message string) *Error {
	return &Error{StatusCode: statusCode, Message: message}
}

// accessMarkers are the known substrings (matched case-insensitively) that
// indicate the upstream rejected this model id specifically, rather than
// the request or the caller generally. Recovered from
// original_source/pyservice/main.py:is_model_access_error.
var accessMarkers = []string{
	"publisher model",
	"not found",
	"not_found",
	"does not have access",
	"permission denied",
}

// IsAccessError reports whether err represents an access-denied failure for
// the attempted model (400/403/404 carrying a known marker), the only class
// that should advance the candidate loop per spec.md §4.5.
func IsAccessError(err error) bool {
	uerr, ok := err.(*Error)
	if !ok || uerr == nil {
		return false
	}
	switch uerr.StatusCode {
	case 400, 403, 404:
	default:
		return false
	}
	text := strings.ToLower(uerr.Message)
	for _, marker := range accessMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// IsRateLimitError reports whether err represents an upstream rate-limit
// signal: an explicit 429, or the resource-exhausted marker used when the
// upstream SDK does not surface a structured status code. Recovered from
// original_source/pyservice/main.py:is_rate_limit_error.
func IsRateLimitError(err error) bool {
	uerr, ok := err.(*Error)
	if !ok || uerr == nil {
		return false
	}
	if uerr.StatusCode == 429 {
		return true
	}
	text := strings.ToLower(uerr.Message)
	return strings.Contains(text, "resource_exhausted") || strings.Contains(text, "429")
}
