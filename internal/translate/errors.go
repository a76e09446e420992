package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorCode classifies a translation failure.
type ErrorCode string

const (
	ErrorCodeRateLimit      ErrorCode = "rate_limit"
	ErrorCodeServerError    ErrorCode = "server_error"
	ErrorCodeTimeout        ErrorCode = "timeout"
	ErrorCodeAuthentication ErrorCode = "authentication"
	ErrorCodeInvalidRequest ErrorCode = "invalid_request"
	ErrorCodeEmptyOutput    ErrorCode = "empty_output"
	ErrorCodeUnknown        ErrorCode = "unknown"
)

// Error is a classified translation failure. Retryable errors are
// worth repeating with backoff; the rest fail the attempt outright.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("translate: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("translate: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with retryability derived from
// the code.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: code == ErrorCodeRateLimit || code == ErrorCodeServerError || code == ErrorCodeTimeout,
	}
}

// IsRetryable reports whether err is a translation error worth
// retrying. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// classifyAPIError maps a go-openai client error onto an ErrorCode.
func classifyAPIError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return NewError(ErrorCodeRateLimit, apiErr.Message, err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			return NewError(ErrorCodeAuthentication, apiErr.Message, err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest || apiErr.HTTPStatusCode == http.StatusNotFound:
			return NewError(ErrorCodeInvalidRequest, apiErr.Message, err)
		case apiErr.HTTPStatusCode >= 500:
			return NewError(ErrorCodeServerError, apiErr.Message, err)
		}
		return NewError(ErrorCodeUnknown, apiErr.Message, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrorCodeTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(ErrorCodeTimeout, "request cancelled", err)
	}
	return NewError(ErrorCodeUnknown, err.Error(), err)
}
