package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a transport request failed. The engine does not
// branch on it; transports use it to decide whether a retry is worthwhile
// and callers get it in the error text for debugging.
type Reason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonTimeout indicates the request exceeded a deadline.
	ReasonTimeout Reason = "timeout"

	// ReasonServer indicates a provider-side failure (HTTP 5xx).
	ReasonServer Reason = "server_error"

	// ReasonAuth indicates rejected credentials (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonQuota indicates exhausted quota or billing problems (HTTP 402).
	ReasonQuota Reason = "quota"

	// ReasonInvalidRequest indicates the request itself was malformed (HTTP 400).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelNotFound indicates the requested model does not exist or is
	// not enabled for this account.
	ReasonModelNotFound Reason = "model_not_found"

	// ReasonContentFilter indicates the provider's safety layer blocked the
	// request or response.
	ReasonContentFilter Reason = "content_filter"

	// ReasonUnknown is the fallback for unclassified failures.
	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether a failure with this reason may succeed on retry.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServer:
		return true
	default:
		return false
	}
}

// Error is a structured failure from a model transport. It keeps enough
// context (provider, model, status, provider error code, request id) for a
// log line to be actionable without re-running the request.
type Error struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error around cause, classifying it from the error text.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Reason = classifyStatus(status)
	return e
}

// WithCode records a provider-specific error code and reclassifies when the
// code is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if r := classifyCode(code); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithRequestID records the provider's request id.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithMessage replaces the human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Retryable reports whether err looks transient. Structured transport errors
// answer from their Reason; anything else is classified from its text.
func Retryable(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Reason.Retryable()
	}
	return Classify(err).Retryable()
}

// Classify inspects an error's text and maps it onto a Reason. SDKs are
// inconsistent about exposing typed errors for every failure mode, so this
// falls back to the substring patterns the providers actually emit.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ReasonTimeout

	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit

	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth

	case strings.Contains(msg, "quota"),
		strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"),
		strings.Contains(msg, "402"):
		return ReasonQuota

	case strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "content policy"),
		strings.Contains(msg, "safety"),
		strings.Contains(msg, "blocked"):
		return ReasonContentFilter

	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unavailable"):
		return ReasonModelNotFound

	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ReasonServer
	}

	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonQuota
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelNotFound
	case status >= 500:
		return ReasonServer
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "insufficient_quota", "billing_error":
		return ReasonQuota
	case "not_found_error", "model_not_found":
		return ReasonModelNotFound
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "overloaded_error", "api_error", "internal_error", "server_error":
		return ReasonServer
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}
