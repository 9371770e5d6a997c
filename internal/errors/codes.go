package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents internal error codes for the upsert engine
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Construction-time errors, fatal before start
	ErrCodeConfig           ErrorCode = 1000
	ErrCodeSchemaNotUpsert  ErrorCode = 1001
	ErrCodeBadColumnReader  ErrorCode = 1002
	ErrCodeInvalidArgument  ErrorCode = 1003

	// Lookup errors raised by the offset index
	ErrCodeOffsetOutOfRange ErrorCode = 2000
	ErrCodeDocNotFound      ErrorCode = 2001

	// Runtime errors
	ErrCodeTransientIO   ErrorCode = 3000
	ErrCodeBatchFailure  ErrorCode = 3001
	ErrCodeCorruptedData ErrorCode = 3002
	ErrCodeShutdown      ErrorCode = 3003
)

// Error is a structured error carrying a code and an optional cause
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error
func New(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Convenience constructors for common errors

func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfig, message, cause)
}

func SchemaNotUpsert(table, segment string) *Error {
	return New(ErrCodeSchemaNotUpsert,
		fmt.Sprintf("schema for table %s segment %s is not upsert enabled", table, segment), nil)
}

func BadColumnReader(column string) *Error {
	return New(ErrCodeBadColumnReader,
		fmt.Sprintf("forward index of column %s does not expose long reads", column), nil)
}

func InvalidArgument(message string) *Error {
	return New(ErrCodeInvalidArgument, message, nil)
}

func OffsetOutOfRange(segment string, offset, minOffset int64, size int) *Error {
	return New(ErrCodeOffsetOutOfRange,
		fmt.Sprintf("offset %d outside range for segment %s start offset %d size %d",
			offset, segment, minOffset, size), nil)
}

func DocNotFound(segment string, offset int64) *Error {
	return New(ErrCodeDocNotFound,
		fmt.Sprintf("no docId associated with offset %d for segment %s", offset, segment), nil)
}

func TransientIO(message string, cause error) *Error {
	return New(ErrCodeTransientIO, message, cause)
}

func BatchFailure(message string, cause error) *Error {
	return New(ErrCodeBatchFailure, message, cause)
}

func CorruptedData(message string, cause error) *Error {
	return New(ErrCodeCorruptedData, message, cause)
}

func Shutdown(message string) *Error {
	return New(ErrCodeShutdown, message, nil)
}

// GetCode extracts the error code from an error, unwrapping as needed
func GetCode(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeTransientIO
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
