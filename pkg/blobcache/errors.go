// Package blobcache holds the error vocabulary shared by pkg/engine and
// pkg/cache, so callers can type-switch on failures from either layer
// without importing both. Modeled on the ErrorCode + typed-error shape this
// module's teacher uses for its own metadata store errors.
package blobcache

import (
	"errors"
	"fmt"
)

// Code classifies a blobcache error into one of the kinds named in the
// error handling design: unsupported format, corrupt/oversized chunk,
// coordinator lock timeout, caller cancellation, I/O failure, or a bad
// argument.
type Code int

const (
	// CodeUnsupportedFormat indicates a bad magic, unknown version, or a
	// file too short to hold the 24-byte prefix. Initialize reports this
	// by returning (false, nil) rather than propagating it as an error.
	CodeUnsupportedFormat Code = iota + 1

	// CodeInvalidChunk indicates a CRC mismatch or a declared size that
	// runs past end of file. During recovery this truncates the tail and
	// is not surfaced; during a normal read it propagates.
	CodeInvalidChunk

	// CodeTimeout indicates the coordinator lock could not be acquired
	// before its configured timeout elapsed.
	CodeTimeout

	// CodeCancelled indicates the caller's context was cancelled.
	CodeCancelled

	// CodeIO indicates an underlying filesystem I/O failure.
	CodeIO

	// CodeInvalidArgument indicates a nil key, nil payload, or similar
	// caller error.
	CodeInvalidArgument

	// CodeSizeOverflow indicates a chunk payload at or above 2^32 bytes.
	CodeSizeOverflow
)

func (c Code) String() string {
	switch c {
	case CodeUnsupportedFormat:
		return "unsupported_format"
	case CodeInvalidChunk:
		return "invalid_chunk"
	case CodeTimeout:
		return "timeout"
	case CodeCancelled:
		return "cancelled"
	case CodeIO:
		return "io"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeSizeOverflow:
		return "size_overflow"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Error is a blobcache error carrying a Code alongside the usual message
// and optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("blobcache: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("blobcache: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an *Error wrapping cause under code.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, or zero
// otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
