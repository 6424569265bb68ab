package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for HTTP mapping and retry decisions.
type Code string

const (
	CodeValidation       Code = "validation"
	CodeAuthentication   Code = "authentication"
	CodePermission       Code = "permission"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"
	CodeRateLimited      Code = "rate_limited"
	CodeNetwork          Code = "network"
	CodeArtifactExpired  Code = "artifact_expired"
	CodeArtifactTooLarge Code = "artifact_too_large"
	CodeParse            Code = "parse"
	CodePersistence      Code = "persistence"
	CodeCircuitOpen      Code = "circuit_open"
	CodeInternal         Code = "internal"
)

// AppError carries a taxonomy code alongside the underlying cause.
type AppError struct {
	Code      Code
	Message   string
	Err       error
	Retryable bool
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the default retryability for its code.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError around an underlying cause.
func Wrap(code Code, message string, err error) *AppError {
	e := New(code, message)
	e.Err = err
	return e
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeNetwork, CodePersistence, CodeCircuitOpen:
		return true
	default:
		return false
	}
}

// CodeOf extracts the taxonomy code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error chain marks the operation retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// HTTPStatus maps a taxonomy code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodePermission:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNetwork:
		return http.StatusBadGateway
	case CodeArtifactExpired:
		return http.StatusGone
	case CodeArtifactTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeParse:
		return http.StatusUnprocessableEntity
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the error envelope for every non-2xx API response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// SuccessResponse is the envelope for every 2xx API response.
type SuccessResponse struct {
	RequestID string      `json:"request_id"`
	Data      interface{} `json:"data"`
}

// WriteError writes an error response in the standard envelope format
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: GetRequestID(r.Context()),
		},
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		return
	}
}

// WriteSuccess writes a success response in the standard envelope format
func WriteSuccess(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := SuccessResponse{
		RequestID: GetRequestID(r.Context()),
		Data:      data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		return
	}
}

// WriteAppError routes an error through the taxonomy to the right status.
// Unclassified errors become opaque 500s so internals never leak.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		WriteError(w, r, HTTPStatus(appErr.Code), string(appErr.Code), appErr.Message)
		return
	}
	WriteError(w, r, http.StatusInternalServerError, string(CodeInternal), "internal error")
}

// WriteValidation is a helper for 400 responses
func WriteValidation(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusBadRequest, string(CodeValidation), message)
}

// WriteUnauthorized is a helper for 401 responses
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusUnauthorized, string(CodeAuthentication), message)
}

// WriteForbidden is a helper for 403 responses
func WriteForbidden(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusForbidden, string(CodePermission), message)
}

// WriteNotFound is a helper for 404 responses
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusNotFound, string(CodeNotFound), message)
}

// WriteConflict is a helper for 409 responses
func WriteConflict(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusConflict, string(CodeConflict), message)
}

// WriteTooManyRequests is a helper for 429 responses
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusTooManyRequests, string(CodeRateLimited), message)
}

// WritePayloadTooLarge is a helper for 413 responses
func WritePayloadTooLarge(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusRequestEntityTooLarge, string(CodeArtifactTooLarge), message)
}

// WriteInternalError is a helper for 500 responses
func WriteInternalError(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusInternalServerError, string(CodeInternal), message)
}

// WriteServiceUnavailable is a helper for 503 responses
func WriteServiceUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusServiceUnavailable, string(CodeCircuitOpen), message)
}
