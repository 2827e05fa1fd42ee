package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidInterval ErrorCode = "validation_invalid_interval"
	ErrCodeValidationInvalidMetadata ErrorCode = "validation_invalid_metadata"

	// Webhook ingestion
	ErrCodeWebhookSignatureMissing ErrorCode = "webhook_signature_missing"  // 401
	ErrCodeWebhookInvalidSignature ErrorCode = "webhook_invalid_signature"  // 403
	ErrCodeWebhookStaleTimestamp   ErrorCode = "webhook_stale_timestamp"    // 403
	ErrCodeWebhookInvalidPayload   ErrorCode = "webhook_invalid_payload"    // 400
	ErrCodeWebhookMissingCustomer  ErrorCode = "webhook_missing_customer_linkage"
	ErrCodeWebhookProcessingFailed ErrorCode = "webhook_processing_failed"

	// Billing (checkout/portal flows)
	ErrCodeBillingCustomerNotFound ErrorCode = "billing_customer_not_found"

	// Not Found (404)
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"
	ErrCodeNotFoundCustomer     ErrorCode = "not_found_customer"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"

	// Configuration (500)
	ErrCodeConfigMissing ErrorCode = "config_missing"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamPolar       ErrorCode = "upstream_polar_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeWebhookSignatureMissing):
		return http.StatusUnauthorized // 401
	case s == string(ErrCodeWebhookInvalidSignature),
		s == string(ErrCodeWebhookStaleTimestamp):
		return http.StatusForbidden // 403
	case s == string(ErrCodeWebhookInvalidPayload):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeBillingCustomerNotFound):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "webhook_"),
		strings.HasPrefix(s, "config_"),
		strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
