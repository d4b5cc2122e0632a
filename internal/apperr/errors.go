// Package apperr defines the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrorCode defines a standardized error code.
type ErrorCode struct {
	Code    string
	Status  int
	Message string // default message
}

var (
	ErrValidationCode         = ErrorCode{Code: "APP_VALIDATION", Status: http.StatusBadRequest, Message: "validation failed"}
	ErrUnauthenticatedCode    = ErrorCode{Code: "AUTH_UNAUTHENTICATED", Status: http.StatusUnauthorized, Message: "authentication required"}
	ErrForbiddenCode          = ErrorCode{Code: "AUTH_FORBIDDEN", Status: http.StatusForbidden, Message: "not allowed"}
	ErrNotFoundCode           = ErrorCode{Code: "APP_NOT_FOUND", Status: http.StatusNotFound, Message: "record not found"}
	ErrInvalidTransitionCode  = ErrorCode{Code: "ORDER_INVALID_TRANSITION", Status: http.StatusConflict, Message: "invalid state transition"}
	ErrConflictCode           = ErrorCode{Code: "APP_CONFLICT", Status: http.StatusConflict, Message: "conflict"}
	ErrGatewayAuthCode        = ErrorCode{Code: "GATEWAY_AUTH", Status: http.StatusBadGateway, Message: "payment gateway rejected credentials"}
	ErrPaymentRejectedCode    = ErrorCode{Code: "GATEWAY_PAYMENT_REJECTED", Status: http.StatusBadGateway, Message: "payment gateway rejected the request"}
	ErrGatewayUnavailableCode = ErrorCode{Code: "GATEWAY_UNAVAILABLE", Status: http.StatusGatewayTimeout, Message: "payment gateway unavailable"}
	ErrInternalCode           = ErrorCode{Code: "APP_INTERNAL", Status: http.StatusInternalServerError, Message: "internal server error"}
)

// AppError carries a public message and code while keeping the internal cause for logs.
type AppError struct {
	Code     ErrorCode
	Message  string            // public-facing message
	Cause    error             // internal cause (wrapped)
	Fields   map[string]string // per-field validation messages
	Upstream any               // payload returned by an external dependency
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code ErrorCode, msg string, cause error) error {
	if msg == "" {
		msg = code.Message
	}
	return &AppError{Code: code, Message: msg, Cause: cause}
}

// Validation returns a 400 with itemised field messages.
func Validation(msg string, fields map[string]string) error {
	if msg == "" {
		msg = ErrValidationCode.Message
	}
	return &AppError{Code: ErrValidationCode, Message: msg, Fields: fields}
}

func NotFound(msg string) error { return New(ErrNotFoundCode, msg, nil) }

func Forbidden(msg string) error { return New(ErrForbiddenCode, msg, nil) }

func Conflict(msg string, cause error) error { return New(ErrConflictCode, msg, cause) }

func Internal(cause error) error { return New(ErrInternalCode, "", cause) }

// Upstream wraps an external dependency failure and keeps its payload for the caller.
func Upstream(code ErrorCode, payload any, cause error) error {
	return &AppError{Code: code, Message: code.Message, Cause: cause, Upstream: payload}
}

// CodeOf returns the stable code of err, APP_INTERNAL for anything unclassified.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Code
	}
	return ErrInternalCode.Code
}

// ErrorResponse defines the standardized error response format.
type ErrorResponse struct {
	Status   int               `json:"-"`
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	TraceID  string            `json:"traceId,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Upstream any               `json:"upstream,omitempty"`
	Details  string            `json:"details,omitempty"`
}

// ToErrorResponse converts err into an ErrorResponse and logs it. Non-AppErrors
// become a generic 500. Details are only filled when exposeDetails is set.
func ToErrorResponse(logger *zap.Logger, traceID string, err error, exposeDetails bool) ErrorResponse {
	resp := ErrorResponse{
		Status:  ErrInternalCode.Status,
		Code:    ErrInternalCode.Code,
		Message: ErrInternalCode.Message,
		TraceID: traceID,
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		resp.Status = appErr.Code.Status
		resp.Code = appErr.Code.Code
		resp.Message = appErr.Message
		resp.Fields = appErr.Fields
		resp.Upstream = appErr.Upstream
	}

	if resp.Status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("trace_id", traceID), zap.String("code", resp.Code), zap.Error(err))
	} else {
		logger.Warn("request rejected", zap.String("trace_id", traceID), zap.String("code", resp.Code), zap.Error(err))
	}

	if exposeDetails {
		resp.Details = err.Error()
	}
	return resp
}
