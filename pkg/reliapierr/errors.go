// Package reliapierr defines the unified error model for the gateway.
// Every failure surfaced to a caller, logged, or counted in metrics uses
// one of the closed set of codes below.
package reliapierr

import (
	"fmt"
	"net/http"
)

// Code identifies an error condition. The set is closed: handlers, logs and
// metrics must not invent codes outside this list.
type Code string

const (
	CodeUnauthorized              Code = "UNAUTHORIZED"
	CodeBadRequest                Code = "BAD_REQUEST"
	CodeNotFound                  Code = "NOT_FOUND"
	CodeIdempotencyConflict       Code = "IDEMPOTENCY_CONFLICT"
	CodeStreamAlreadyInProgress   Code = "STREAM_ALREADY_IN_PROGRESS"
	CodeStreamAlreadyCompleted    Code = "STREAM_ALREADY_COMPLETED"
	CodeStreamingUnsupported      Code = "STREAMING_UNSUPPORTED"
	CodeRateLimitReliapi          Code = "RATE_LIMIT_RELIAPI"
	CodeServerError               Code = "SERVER_ERROR"
	CodeClientError               Code = "CLIENT_ERROR"
	CodeNetworkError              Code = "NETWORK_ERROR"
	CodeProviderError             Code = "PROVIDER_ERROR"
	CodeUpstreamStreamInterrupted Code = "UPSTREAM_STREAM_INTERRUPTED"
	CodeBudgetExceeded            Code = "BUDGET_EXCEEDED"
	CodeInvalidTarget             Code = "INVALID_TARGET"
	CodeUnknownProvider           Code = "UNKNOWN_PROVIDER"
	CodeAdapterNotFound           Code = "ADAPTER_NOT_FOUND"
	CodeInternalError             Code = "INTERNAL_ERROR"
)

// Error sources distinguish failures produced by the gateway itself from
// failures relayed from an upstream.
const (
	SourceReliapi  = "reliapi"
	SourceUpstream = "upstream"
)

// Error is the standardized gateway error. It carries everything needed for
// the caller-visible envelope, logging, and metric labels.
type Error struct {
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	Retryable   bool           `json:"retryable"`
	Source      string         `json:"source,omitempty"`
	StatusCode  int            `json:"status_code,omitempty"`
	RetryAfterS float64        `json:"retry_after_s,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (status=%d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// HTTPStatusCode returns the status code the gateway responds with.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeBadRequest, CodeBudgetExceeded, CodeInvalidTarget,
		CodeUnknownProvider, CodeAdapterNotFound, CodeStreamingUnsupported:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIdempotencyConflict, CodeStreamAlreadyInProgress, CodeStreamAlreadyCompleted:
		return http.StatusConflict
	case CodeRateLimitReliapi:
		return http.StatusTooManyRequests
	case CodeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with an explicit code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableByDefault(code)}
}

// NewUnauthorized creates an authentication error (401).
func NewUnauthorized(message string) *Error {
	return &Error{Code: CodeUnauthorized, Message: message, Source: SourceReliapi, StatusCode: http.StatusUnauthorized}
}

// NewBadRequest creates a client input error (400).
func NewBadRequest(message string) *Error {
	return &Error{Code: CodeBadRequest, Message: message, Source: SourceReliapi, StatusCode: http.StatusBadRequest}
}

// NewNotFound creates a not-found error (404).
func NewNotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message, Source: SourceReliapi, StatusCode: http.StatusNotFound}
}

// NewRateLimited creates a gateway-side rate limit error (429) with a
// retry-after hint in seconds.
func NewRateLimited(message string, retryAfterS float64) *Error {
	return &Error{
		Code:        CodeRateLimitReliapi,
		Message:     message,
		Retryable:   true,
		Source:      SourceReliapi,
		StatusCode:  http.StatusTooManyRequests,
		RetryAfterS: retryAfterS,
	}
}

// NewNetworkError creates a retryable network-class error.
func NewNetworkError(message string) *Error {
	return &Error{Code: CodeNetworkError, Message: message, Retryable: true, Source: SourceUpstream}
}

// NewBudgetExceeded creates a non-retryable budget error.
func NewBudgetExceeded(message string) *Error {
	return &Error{Code: CodeBudgetExceeded, Message: message, Source: SourceReliapi, StatusCode: http.StatusBadRequest}
}

// NewIdempotencyConflict reports a key reuse with a differing request hash.
func NewIdempotencyConflict(message string) *Error {
	return &Error{Code: CodeIdempotencyConflict, Message: message, Source: SourceReliapi, StatusCode: http.StatusConflict}
}

// NewUnknownProvider reports an LLM target with an unrecognised provider.
func NewUnknownProvider(provider string) *Error {
	return &Error{
		Code:       CodeUnknownProvider,
		Message:    "unknown provider: " + provider,
		Source:     SourceReliapi,
		StatusCode: http.StatusBadRequest,
	}
}

// NewInternal creates an internal error the caller may retry.
func NewInternal(message string) *Error {
	return &Error{Code: CodeInternalError, Message: message, Retryable: true, Source: SourceReliapi, StatusCode: http.StatusInternalServerError}
}

// FromUpstreamStatus maps an upstream HTTP status to a gateway error.
// 5xx and 429 are retryable; other 4xx are relayed as non-retryable.
func FromUpstreamStatus(status int, message string) *Error {
	e := &Error{
		Message:    message,
		Source:     SourceUpstream,
		StatusCode: status,
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Code = CodeProviderError
		e.Retryable = true
	case status >= 500:
		e.Code = CodeServerError
		e.Retryable = true
	case status >= 400:
		e.Code = CodeClientError
	default:
		e.Code = CodeProviderError
	}
	return e
}

func retryableByDefault(code Code) bool {
	switch code {
	case CodeRateLimitReliapi, CodeNetworkError, CodeServerError, CodeInternalError:
		return true
	default:
		return false
	}
}

// AsError returns err as *Error when possible, otherwise wraps it as an
// internal error so callers always observe the closed code set.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*Error); ok {
		return ge
	}
	return NewInternal(err.Error())
}
