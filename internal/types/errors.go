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
	ErrCodeValidationInvalidJSON   ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeWebhookSignatureMissing ErrorCode = "webhook_signature_header_missing"

	// Signature verification (401). The code values mirror the verifier's
	// failure vocabulary so the provider-facing response body carries the
	// exact reason.
	ErrCodeWebhookMissingParts     ErrorCode = "missing_parts"
	ErrCodeWebhookTimestampExpired ErrorCode = "timestamp_expired"
	ErrCodeWebhookInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeWebhookCryptoError      ErrorCode = "crypto_error"

	// Not Found (404)
	ErrCodeNotFoundOrg          ErrorCode = "not_found_organization"
	ErrCodeNotFoundPlan         ErrorCode = "not_found_plan"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundInvoice      ErrorCode = "not_found_invoice"

	// Conflict (409)
	ErrCodeConflictReplay    ErrorCode = "conflict_event_already_processed"
	ErrCodeConflictDuplicate ErrorCode = "conflict_duplicate_key"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// verificationCodes is the closed set of 401 verifier failure codes.
var verificationCodes = map[ErrorCode]struct{}{
	ErrCodeWebhookMissingParts:     {},
	ErrCodeWebhookTimestampExpired: {},
	ErrCodeWebhookInvalidSignature: {},
	ErrCodeWebhookCryptoError:      {},
}

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	if _, ok := verificationCodes[c]; ok {
		return http.StatusUnauthorized // 401
	}

	s := string(c)
	switch {
	case c == ErrCodeWebhookSignatureMissing:
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "internal_"):
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
