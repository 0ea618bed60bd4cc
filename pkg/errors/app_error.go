// Package errors provides the application-level error type used across the
// HTTP boundary. Handlers panic with an AppError and the top-level gin
// recovery middleware turns it into a structured JSON body; nothing below
// the boundary returns a bare error to a client.
package errors

import "net/http"

// AppError represents application-level errors with HTTP context.
type AppError interface {
	error
	StatusCode() int
	ErrorCode() string
	Message() string
	Details() string
}

// BaseAppError implements AppError.
type BaseAppError struct {
	Code       string `json:"code"`
	Msg        string `json:"message"`
	Detail     string `json:"details,omitempty"`
	HttpStatus int    `json:"-"`
}

func (e *BaseAppError) Error() string {
	if e.Detail != "" {
		return e.Msg + ": " + e.Detail
	}
	return e.Msg
}

func (e *BaseAppError) StatusCode() int { return e.HttpStatus }
func (e *BaseAppError) ErrorCode() string { return e.Code }
func (e *BaseAppError) Message() string { return e.Msg }
func (e *BaseAppError) Details() string { return e.Detail }

func NewBadRequestError(code, message, details string) AppError {
	return &BaseAppError{Code: code, Msg: message, Detail: details, HttpStatus: http.StatusBadRequest}
}

func NewNotFoundError(code, message, details string) AppError {
	return &BaseAppError{Code: code, Msg: message, Detail: details, HttpStatus: http.StatusNotFound}
}

func NewServiceUnavailableError(code, details string) AppError {
	return &BaseAppError{Code: code, Msg: "Service temporarily unavailable", Detail: details, HttpStatus: http.StatusServiceUnavailable}
}

func NewInternalServerError(details string) AppError {
	return &BaseAppError{Code: "INTERNAL_SERVER_ERROR", Msg: "Internal server error", Detail: details, HttpStatus: http.StatusInternalServerError}
}
