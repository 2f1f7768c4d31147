package ingest

import (
	"errors"
	"fmt"
)

// ErrorCode classifies ingestion failures for job records and API responses.
type ErrorCode string

// Error codes surfaced in failed job records.
const (
	CodeScrapingDisabled ErrorCode = "scraping_disabled"
	CodeRobotsDisallowed ErrorCode = "robots_disallowed"
	CodeConnectorHTTP    ErrorCode = "connector_http_error"
	CodePageFormat       ErrorCode = "page_format_error"
	CodeValidation       ErrorCode = "validation_error"
	CodeIngestion        ErrorCode = "ingestion_error"
	CodeNotFound         ErrorCode = "not_found"
)

// Error is a typed ingestion failure carrying a stable code and a
// human-readable message. It is what ends up on a failed job record.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, falling back to the generic
// ingestion code when err carries no typed failure.
func CodeOf(err error) ErrorCode {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeIngestion
}

// MessageOf returns the typed message for err, or its plain Error() text.
func MessageOf(err error) string {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Message
	}
	return err.Error()
}
