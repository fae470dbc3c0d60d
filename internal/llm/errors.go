package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/lucy/internal/infra"
)

// Kind buckets a failure by how the caller should react to it.
type Kind string

const (
	// KindRetryable marks transient provider and network failures worth
	// another in-loop attempt with backoff.
	KindRetryable Kind = "retryable"

	// KindAuth marks missing or rejected credentials for an external API.
	// Not retryable; the user gets a connection prompt.
	KindAuth Kind = "auth"

	// KindInvalidParams marks tool arguments that failed schema
	// validation. The validation message is fed back to the model so it
	// can correct the call.
	KindInvalidParams Kind = "invalid_params"

	// KindUnknownTool marks a call to a tool name that is not registered.
	KindUnknownTool Kind = "unknown_tool"

	// KindCircuitOpen marks a call refused by an open dependency breaker.
	KindCircuitOpen Kind = "circuit_open"

	// KindRateLimited marks a token bucket that stayed exhausted past its
	// acquisition timeout.
	KindRateLimited Kind = "rate_limited"

	// KindTimeout marks a model or tool call that exceeded its budget.
	// Worth exactly one more attempt before surfacing.
	KindTimeout Kind = "timeout"

	// KindFatal marks programming errors such as recovered panics. Logged
	// with a stack trace and never shown to users verbatim.
	KindFatal Kind = "fatal"
)

// Retryable reports whether another in-loop attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindRetryable, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified failure from a provider call or tool boundary.
type Error struct {
	Kind      Kind
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("request_id=%s", e.RequestID))
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError wraps a raw provider failure, classifying it from the cause.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Kind:     KindRetryable,
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Kind = Classify(cause)
		e.Message = cause.Error()
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it. Status
// codes are more reliable than message sniffing, so this wins over the
// kind NewError derived.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if status != 0 {
		e.Kind = classifyStatus(status)
	}
	return e
}

// WithKind pins the kind, overriding any classification.
func (e *Error) WithKind(kind Kind) *Error {
	e.Kind = kind
	return e
}

// WithCode records the provider's error type code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithMessage replaces the derived message with the provider's own.
func (e *Error) WithMessage(message string) *Error {
	if message != "" {
		e.Message = message
	}
	return e
}

// WithRequestID records the provider-side request identifier.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// KindOf extracts the taxonomy kind from any error. Wrapped *Error values
// keep their kind; breaker refusals and context deadlines map to their
// dedicated kinds; everything else is classified from the message.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	if errors.Is(err, infra.ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return Classify(err)
}

// Classify buckets a raw error by sniffing its message. Unrecognized
// provider failures classify as retryable.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, infra.ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "quota"):
		return KindRateLimited
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "forbidden"):
		return KindAuth
	case strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "invalid parameter"),
		strings.Contains(msg, "validation failed"):
		return KindInvalidParams
	default:
		return KindRetryable
	}
}

func classifyStatus(status int) Kind {
	switch {
	case status == 401 || status == 402 || status == 403:
		return KindAuth
	case status == 408:
		return KindTimeout
	case status == 429:
		return KindRateLimited
	case status == 400 || status == 404 || status == 422:
		return KindInvalidParams
	case status >= 500:
		return KindRetryable
	default:
		return KindRetryable
	}
}

// IsError reports whether err carries a classified *Error.
func IsError(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr)
}

// AsError extracts the classified *Error, or nil.
func AsError(err error) *Error {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr
	}
	return nil
}
