package apiclient

import (
	"errors"
	"fmt"
	"time"
)

// Error codes carried by ModuleError.
const (
	// CodeRequestFailed means every attempt against every endpoint failed.
	CodeRequestFailed = "REQUEST_FAILED"

	// CodeHTTPStatus marks a single attempt answered with a non-2xx status.
	CodeHTTPStatus = "HTTP_STATUS"
)

var (
	// ErrRequestFailed is the sentinel matched by errors.Is for exhausted requests.
	ErrRequestFailed = errors.New("request failed on all endpoints")

	// ErrNoEndpoints is returned when a client has no endpoint to call.
	ErrNoEndpoints = errors.New("no endpoints configured")

	// ErrCacheMiss is returned by cache engines when a key is absent.
	ErrCacheMiss = errors.New("cache miss")
)

// ModuleError is the structured failure surfaced to callers once all
// endpoints and attempts are exhausted.
type ModuleError struct {
	ModuleID  string    `json:"moduleId"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Err is the last underlying failure.
	Err error `json:"-"`
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %s: %s", e.ModuleID, e.Code, e.Message)
}

func (e *ModuleError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Code == CodeRequestFailed {
		errs = append(errs, ErrRequestFailed)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

// Code returns CodeHTTPStatus.
func (e *StatusError) Code() string {
	return CodeHTTPStatus
}
