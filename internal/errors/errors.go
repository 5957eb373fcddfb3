// Package errors defines the service error taxonomy and HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned in API responses.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeJobFailed         = "JOB_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeBadRequest        = "BAD_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInternal          = "INTERNAL_ERROR"
)

// ServiceError is an error with an API code, HTTP status and optional details.
type ServiceError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns the error with an additional detail field set.
func (e *ServiceError) WithDetail(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetServiceError unwraps err to a *ServiceError, or wraps it as Internal.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return Internal(err.Error())
}

// RateLimitExceeded indicates too many requests inside the current window.
// retryAfterSec is the number of seconds until the window resets.
func RateLimitExceeded(limit int, retryAfterSec int64) *ServiceError {
	return &ServiceError{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
		Details: map[string]interface{}{
			"limit":       limit,
			"retry_after": retryAfterSec,
		},
	}
}

// QuotaExceeded indicates the client's credit allotment cannot cover the
// requested units. No usage is consumed when this is returned.
func QuotaExceeded(used, limit, requested int64) *ServiceError {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &ServiceError{
		Code:       CodeQuotaExceeded,
		Message:    "monthly credit limit exceeded",
		HTTPStatus: http.StatusPaymentRequired,
		Details: map[string]interface{}{
			"used":      used,
			"limit":     limit,
			"requested": requested,
			"remaining": remaining,
		},
	}
}

// JobFailed indicates a terminal worker-reported job failure.
func JobFailed(jobID, reason string) *ServiceError {
	return &ServiceError{
		Code:       CodeJobFailed,
		Message:    reason,
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]interface{}{"job_id": jobID},
	}
}

// NotFound indicates a missing resource.
func NotFound(resource string) *ServiceError {
	return &ServiceError{
		Code:       CodeNotFound,
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest indicates an invalid request payload or parameter.
func BadRequest(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized indicates missing or invalid credentials.
func Unauthorized(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden indicates the caller lacks permission for the operation.
func Forbidden(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Internal indicates an unexpected server-side failure.
func Internal(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}
