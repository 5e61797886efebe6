package neural

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by backends.
var (
	// ErrDegenerate marks a completion rejected by post-processing
	// (too short, or a bare yes/no/ok).
	ErrDegenerate = errors.New("degenerate completion")

	// ErrBackendDisabled is returned when a backend is configured off.
	ErrBackendDisabled = errors.New("backend disabled")

	// ErrBreakerOpen is returned when the circuit breaker refuses a call.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrQuotaExhausted marks the cloud account out of credit. Sticky until
	// the process restarts.
	ErrQuotaExhausted = errors.New("cloud quota exhausted")

	// ErrRateLimited marks a 429 from the cloud endpoint.
	ErrRateLimited = errors.New("cloud rate limited")
)

// HTTPError carries a non-2xx response for classification and retry checks.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrorClass categorizes backend errors for logging and retry decisions.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication failures (401, invalid key, 403).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting (429, too many requests).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassQuota indicates the account has no credit left (402).
	ErrorClassQuota ErrorClass = "QUOTA"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassConnection indicates the endpoint was unreachable or the
	// connection dropped mid-request.
	ErrorClassConnection ErrorClass = "CONNECTION"

	// ErrorClassBadRequest indicates the endpoint rejected the request body (400).
	ErrorClassBadRequest ErrorClass = "BAD_REQUEST"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError categorizes a backend error. It inspects the status code
// when available and otherwise falls back to known message patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 401 || httpErr.Status == 403:
			return ErrorClassAuth
		case httpErr.Status == 402:
			return ErrorClassQuota
		case httpErr.Status == 429:
			return ErrorClassRateLimit
		case httpErr.Status == 400:
			return ErrorClassBadRequest
		}
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "insufficient_quota") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "402") {
		return ErrorClassQuota
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof") {
		return ErrorClassConnection
	}

	if strings.Contains(msg, "400") || strings.Contains(msg, "bad request") {
		return ErrorClassBadRequest
	}

	return ErrorClassUnknown
}
