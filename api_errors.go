package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrNotFound              = errors.New("not found")
	ErrNoDataAvailable       = errors.New("no data available")
	ErrAlreadyProcessing     = errors.New("request is currently being processed")
	ErrRateLimited           = errors.New("rate limit exceeded")
)

// RateLimitError reports either a local admission denial (Local) or an
// exhausted remote retry budget. RetryAfter is always actionable.
type RateLimitError struct {
	Operation  string
	Action     ActionClass
	Scope      Scope
	RetryAfter time.Duration
	Local      bool
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Local {
		return fmt.Sprintf("rate limit exceeded for %s (%s auth), retry in %ds", e.Action, e.Scope, e.WaitSeconds())
	}
	return fmt.Sprintf("remote rate limit exceeded for %s, retry in %ds", e.Operation, e.WaitSeconds())
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// WaitSeconds truncates to whole seconds. A zero wait means the oldest ledger
// entry expires within the current second.
func (e *RateLimitError) WaitSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(e.RetryAfter / time.Second)
}

// RemoteError is a non-2xx answer from the platform.
type RemoteError struct {
	Operation  string
	StatusCode int
	Throttled  bool
	Transient  bool
	ResetAt    time.Time
	Remaining  int
	Detail     string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s: upstream status %d", e.Operation, e.StatusCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RemoteError) Retryable() bool {
	return e.Throttled || e.Transient
}

func newRemoteError(operation string, statusCode int, header interface{ Get(string) string }, detail string) *RemoteError {
	e := &RemoteError{
		Operation:  operation,
		StatusCode: statusCode,
		Throttled:  statusCode == http.StatusTooManyRequests,
		Transient:  statusCode >= http.StatusInternalServerError,
		Remaining:  -1,
		Detail:     detail,
	}
	if header == nil {
		return e
	}
	if raw := header.Get("x-rate-limit-reset"); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil && epoch > 0 {
			e.ResetAt = time.Unix(epoch, 0).UTC()
		}
	}
	if raw := header.Get("x-rate-limit-remaining"); raw != "" {
		if remaining, err := strconv.Atoi(raw); err == nil {
			e.Remaining = remaining
		}
	}
	return e
}

type apiError struct {
	status  int
	message string
	detail  error
}

func (e *apiError) Error() string {
	if e == nil {
		return ""
	}
	return e.message
}

func badRequest(message string, detail error) *apiError {
	return &apiError{status: http.StatusBadRequest, message: message, detail: detail}
}

func serviceUnavailable(message string, detail error) *apiError {
	return &apiError{status: http.StatusServiceUnavailable, message: message, detail: detail}
}

func internalServerError(message string, detail error) *apiError {
	return &apiError{status: http.StatusInternalServerError, message: message, detail: detail}
}

// apiErrorFrom maps core errors onto the ops HTTP surface.
func apiErrorFrom(err error) *apiError {
	var typed *apiError
	if errors.As(err, &typed) {
		return typed
	}

	var limited *RateLimitError
	switch {
	case errors.As(err, &limited):
		return &apiError{status: http.StatusTooManyRequests, message: limited.Error(), detail: err}
	case errors.Is(err, ErrCredentialUnavailable):
		return &apiError{status: http.StatusUnauthorized, message: "credential unavailable", detail: err}
	case errors.Is(err, ErrNotFound):
		return &apiError{status: http.StatusNotFound, message: "not found", detail: err}
	case errors.Is(err, ErrNoDataAvailable):
		return serviceUnavailable("no data available", err)
	case errors.Is(err, ErrAlreadyProcessing):
		return &apiError{status: http.StatusConflict, message: ErrAlreadyProcessing.Error(), detail: err}
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return &apiError{status: http.StatusBadGateway, message: "upstream request failed", detail: err}
	}
	return internalServerError("internal server error", err)
}

func asRateLimit(err error) (*RateLimitError, bool) {
	var limited *RateLimitError
	if errors.As(err, &limited) {
		return limited, true
	}
	return nil, false
}
