package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the brokerage.
type APIError struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca %s: status %d code %d: %s", e.Op, e.StatusCode, e.Code, e.Message)
}

// errClass drives the retry policy.
//
//	classFatal     auth/permission failures, propagate immediately
//	classTransient 5xx, timeouts, resets, rate limits, retry with backoff
//	classUnknown   anything else, retry a small fixed number of times
type errClass int

const (
	classTransient errClass = iota
	classFatal
	classUnknown
)

func classify(err error) errClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classFatal
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return classFatal
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return classTransient
		default:
			return classUnknown
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}
	if strings.Contains(err.Error(), "connection reset") {
		return classTransient
	}

	return classUnknown
}

// IsPositionNotFound reports the specific "position does not exist" response,
// which is a first-class flat signal and not a failure. Any other 404 stays
// an error so the strategy never wrongly resets its ladder.
func IsPositionNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode != http.StatusNotFound {
		return false
	}
	return apiErr.Code == 40410000 ||
		strings.Contains(strings.ToLower(apiErr.Message), "position does not exist")
}
