package api

import (
	"errors"
	"fmt"
	"net/http"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest     = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized   = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrNotFound       = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrInternalServer = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidToken   = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrInvalidAPIKey  = &AppError{Code: http.StatusUnauthorized, Message: "invalid API key"}

	// Cross-tenant access reads as a missing resource.
	ErrOwnershipViolation = &AppError{Code: http.StatusNotFound, Message: "not found"}

	ErrUploadNotAllowed  = &AppError{Code: http.StatusForbidden, Message: "Your plan does not support file uploads."}
	ErrAttachmentInvalid = &AppError{Code: http.StatusBadRequest, Message: "Invalid or unsupported image file."}
	ErrRateLimited       = &AppError{Code: http.StatusTooManyRequests, Message: "Rate limit exceeded. Please slow down."}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewQuotaExceededError(limit int) *AppError {
	return &AppError{Code: http.StatusTooManyRequests, Message: fmt.Sprintf("Daily message limit of %d reached.", limit)}
}

func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorMessage(w, appErr.Code, appErr.Message)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
