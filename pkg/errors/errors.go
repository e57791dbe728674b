package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrInternal = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)

	ErrConfig        = NewError("CONFIG_ERROR", "invalid configuration", http.StatusBadRequest)
	ErrChannelClosed = NewError("CHANNEL_CLOSED", "channel closed", http.StatusGone)
	ErrStage         = NewError("STAGE_ERROR", "stage failed", http.StatusInternalServerError)
	ErrMessage       = NewError("MESSAGE_ERROR", "message could not be processed", http.StatusUnprocessableEntity)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return e.Code != ErrNotFound.Code && e.Code != ErrConfig.Code
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return e.Code == ErrNotFound.Code || e.Code == ErrConfig.Code
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	err.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		err.Details[k] = v
	}
	err.Details[key] = value
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func IsConfig(err error) bool {
	return hasCode(err, ErrConfig.Code)
}

// IsMessageLevel reports whether err concerns a single message and should
// not stop the stage that produced it.
func IsMessageLevel(err error) bool {
	return hasCode(err, ErrMessage.Code)
}

func IsChannelClosed(err error) bool {
	return hasCode(err, ErrChannelClosed.Code)
}

// IsPanic reports whether err, or an error it wraps, was recovered from a
// panic by RecoverPanic.
func IsPanic(err error) bool {
	var appErr *Error
	for errors.As(err, &appErr) {
		if panicked, _ := appErr.Details["panic"].(bool); panicked {
			return true
		}
		err = appErr.Cause
	}
	return false
}

func hasCode(err error, code string) bool {
	var appErr *Error
	for errors.As(err, &appErr) {
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		// If it's not our error type, wrap it
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
