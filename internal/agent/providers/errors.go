package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kohtravel/agentd/internal/agent"
)

// FailureReason says why a vendor call failed. The orchestrator only sees
// the coarser agent.ErrorKind; the reason is kept for logs and metrics.
type FailureReason string

const (
	ReasonBilling          FailureReason = "billing"    // 402, exhausted quota
	ReasonRateLimit        FailureReason = "rate_limit" // 429, throttling
	ReasonAuth             FailureReason = "auth"       // 401, 403
	ReasonTimeout          FailureReason = "timeout"
	ReasonServerError      FailureReason = "server_error" // 5xx, overloaded
	ReasonInvalidRequest   FailureReason = "invalid_request"
	ReasonModelUnavailable FailureReason = "model_unavailable"
	ReasonContentFilter    FailureReason = "content_filter"
	ReasonProtocol         FailureReason = "protocol" // malformed or truncated stream
	ReasonUnknown          FailureReason = "unknown"
)

// Kind maps the reason onto the turn-fatal error kinds. Only rejections by
// the vendor are final; everything else counts as unavailable and may be
// retried before the first token.
func (r FailureReason) Kind() agent.ErrorKind {
	switch r {
	case ReasonAuth, ReasonBilling, ReasonInvalidRequest, ReasonContentFilter:
		return agent.KindProviderRejected
	case ReasonProtocol:
		return agent.KindProtocolError
	default:
		return agent.KindProviderUnavailable
	}
}

// ProviderError is a classified vendor failure. Its text never includes
// credentials or request bodies.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string

	// Status is the HTTP status, when the vendor answered.
	Status int

	// Code is the vendor's own error code, e.g. "overloaded_error".
	Code string

	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{"[" + string(e.Reason) + "]"}
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
		parts = append(parts, firstLine(e.Cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ErrorKind implements agent.Classifier.
func (e *ProviderError) ErrorKind() agent.ErrorKind {
	return e.Reason.Kind()
}

// SafeMessage implements agent.SafeMessager. Vendor and cause text are left
// to Error for the logs.
func (e *ProviderError) SafeMessage() string {
	name := e.Provider
	if name == "" {
		name = "provider"
	}
	msg := name + " request failed: " + string(e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	return msg
}

// NewProviderError classifies cause for provider and model.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		err.Message = firstLine(cause.Error())
		err.Reason = ClassifyError(cause)
	}
	return err
}

// protocolError reports a stream the adapter could not make sense of.
func protocolError(provider, model, format string, args ...any) *ProviderError {
	msg := fmt.Sprintf(format, args...)
	return &ProviderError{
		Reason:   ReasonProtocol,
		Provider: provider,
		Model:    model,
		Message:  msg,
		Cause:    fmt.Errorf("%w: %s", agent.ErrProtocol, msg),
	}
}

// WithStatus adds HTTP status to the error and reclassifies if needed.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = firstLine(msg)
	return e
}

// ClassifyError falls back to matching the error text when the vendor SDK
// gave no status or code.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, agent.ErrProtocol) {
		return ReasonProtocol
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(errStr, "rate limit", "rate_limit", "too many requests", "429", "throttl"):
		return ReasonRateLimit
	case containsAny(errStr, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403", "access denied"):
		return ReasonAuth
	case containsAny(errStr, "billing", "payment", "quota", "insufficient", "402"):
		return ReasonBilling
	case containsAny(errStr, "content_filter", "content policy", "safety", "blocked"):
		return ReasonContentFilter
	case containsAny(errStr, "model not found", "model_not_found", "does not exist"):
		return ReasonModelUnavailable
	case containsAny(errStr, "validation", "invalid_request", "bad request", "400"):
		return ReasonInvalidRequest
	case containsAny(errStr, "internal server", "server error", "unavailable", "overloaded", "500", "502", "503", "504"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusRequestEntityTooLarge:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyErrorCode knows the codes of all four vendors, lower-cased.
func classifyErrorCode(code string) FailureReason {
	code = strings.ToLower(code)

	switch code {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception", "resource_exhausted":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error", "accessdeniedexception", "unauthenticated", "permission_denied":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available", "not_found_error", "resourcenotfoundexception":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "api_error", "overloaded_error", "internalserverexception",
		"serviceunavailableexception", "modelnotreadyexception", "unavailable":
		return ReasonServerError
	case "invalid_request_error", "validationexception", "invalid_argument", "request_too_large":
		return ReasonInvalidRequest
	case "modeltimeoutexception", "deadline_exceeded":
		return ReasonTimeout
	case "modelstreamerrorexception":
		return ReasonProtocol
	default:
		return ReasonUnknown
	}
}

// GetProviderError finds a ProviderError in err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
