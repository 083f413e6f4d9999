// Package errors implements the service's closed error taxonomy (spec §7)
// and its RFC 7807 problem-details wire representation.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorType is a closed taxonomy: every error the service produces is one of
// these kinds, which determines whether it is retried and how it surfaces.
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeAuth              ErrorType = "auth"
	ErrorTypeIdempotencyReplay ErrorType = "idempotency_replay"
	ErrorTypeRateLimited       ErrorType = "rate_limited"
	ErrorTypeComplianceReject  ErrorType = "compliance_reject"
	ErrorTypeProviderRetryable ErrorType = "provider_retryable"
	ErrorTypeProviderPermanent ErrorType = "provider_permanent"
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeDatabase          ErrorType = "database"
	ErrorTypeCache             ErrorType = "cache"
	ErrorTypeInternal          ErrorType = "internal"
)

// Retryable reports whether errors of this kind should be retried, per the
// spec §7 taxonomy. rate_limited and circuit_open are "reschedule" rather
// than an immediate retry, but both still report true here: the caller
// (Retry Engine / Dispatcher) distinguishes reschedule-vs-retry by type,
// not by this flag.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeRateLimited, ErrorTypeProviderRetryable, ErrorTypeCircuitOpen, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// AppError is the service's internal error representation. It carries
// enough to log (CorrelationID, Metadata) and enough to render an RFC 7807
// problem-details response (via ProblemDetails).
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
	HTTPStatus    int                    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ProblemDetails is the RFC 7807 wire shape required by spec §7. detail
// never contains a stack trace; Message and Details already exclude secrets
// and full recipient addresses by construction (callers redact before
// passing them in).
type ProblemDetails struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// problemTypeBase is the URI prefix for the "type" field. These URIs are
// identifiers, not fetched documents.
const problemTypeBase = "https://notify-dispatch.internal/problems/"

// ProblemDetails renders the error as an RFC 7807 problem-details object for
// the given request path.
func (e *AppError) ProblemDetails(instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:          problemTypeBase + string(e.Type),
		Title:         e.Code,
		Status:        e.HTTPStatus,
		Detail:        e.Message,
		Instance:      instance,
		CorrelationID: e.CorrelationID,
	}
}

func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: getDefaultHTTPStatus(errorType),
	}
}

func NewAppErrorWithCause(errorType ErrorType, code, message string, cause error) *AppError {
	err := NewAppError(errorType, code, message)
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

func (e *AppError) WithCorrelationID(correlationID string) *AppError {
	e.CorrelationID = correlationID
	return e
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// getDefaultHTTPStatus maps each ErrorType onto the "Surface" column of the
// spec §7 taxonomy table.
func getDefaultHTTPStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeIdempotencyReplay:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeComplianceReject:
		return http.StatusOK // accept-but-suppress: request is accepted, delivery is not
	case ErrorTypeProviderRetryable, ErrorTypeProviderPermanent, ErrorTypeCircuitOpen:
		return http.StatusAccepted // internal attempt outcomes, never surfaced directly to the submitter
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors

func NewValidationError(field, message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message).
		WithMetadata("field", field)
}

func NewAuthError(message string) *AppError {
	return NewAppError(ErrorTypeAuth, "AUTH_ERROR", message)
}

func NewIdempotencyReplayError(requestID string) *AppError {
	return NewAppError(ErrorTypeIdempotencyReplay, "IDEMPOTENCY_REPLAY",
		"a request with this idempotency key already exists").
		WithMetadata("request_id", requestID)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithMetadata("resource", resource)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewRateLimitedError(retryAfter time.Duration) *AppError {
	return NewAppError(ErrorTypeRateLimited, "RATE_LIMITED", "rate limit exceeded").
		WithMetadata("retry_after_seconds", int(retryAfter.Seconds()))
}

func NewComplianceRejectError(reasonCode string) *AppError {
	return NewAppError(ErrorTypeComplianceReject, "COMPLIANCE_REJECTED",
		"delivery suppressed by a compliance rule").
		WithMetadata("reason_code", reasonCode)
}

func NewProviderRetryableError(provider string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeProviderRetryable, "PROVIDER_RETRYABLE",
		fmt.Sprintf("provider %s returned a retryable error", provider), cause).
		WithMetadata("provider", provider)
}

func NewProviderPermanentError(provider string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeProviderPermanent, "PROVIDER_PERMANENT",
		fmt.Sprintf("provider %s returned a permanent error", provider), cause).
		WithMetadata("provider", provider)
}

func NewCircuitOpenError(dependency string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit for %s is open", dependency)).
		WithMetadata("dependency", dependency)
}

func NewInternalError(message string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeInternal, "INTERNAL_ERROR", message, cause)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeDatabase, "DATABASE_ERROR",
		fmt.Sprintf("database operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

func NewCacheError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeCache, "CACHE_ERROR",
		fmt.Sprintf("cache operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT",
		fmt.Sprintf("operation timed out: %s", operation)).
		WithMetadata("operation", operation).
		WithMetadata("timeout", timeout.String())
}

// IsErrorType checks if an error is of a specific type.
func IsErrorType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetErrorType returns the error type if it's an AppError.
func GetErrorType(err error) (ErrorType, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type, true
	}
	return "", false
}

// GetCorrelationID extracts correlation ID from an error.
func GetCorrelationID(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.CorrelationID
	}
	return ""
}
