// Package errors provides the pipeline's structured error type.
// Every component boundary returns an *AppError carrying a Code so the task
// loops can log by stage and decide whether a failure is fatal.
package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies a failure by pipeline stage.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeInvalidArgument
	CodeUnavailable
	CodeTimeout
	CodeCancelled
	CodeConfigInvalid

	// CodeLoadFailed: model or label file missing or corrupt.
	CodeLoadFailed
	// CodePreprocessFailed: malformed sample window.
	CodePreprocessFailed
	// CodeInferenceFailed: classifier could not produce a prediction.
	CodeInferenceFailed
	// CodeTransportFailed: datagram could not be sent.
	CodeTransportFailed
)

var codeNames = map[Code]string{
	CodeUnknown:          "UNKNOWN",
	CodeInternal:         "INTERNAL",
	CodeInvalidArgument:  "INVALID_ARGUMENT",
	CodeUnavailable:      "UNAVAILABLE",
	CodeTimeout:          "TIMEOUT",
	CodeCancelled:        "CANCELLED",
	CodeConfigInvalid:    "CONFIG_INVALID",
	CodeLoadFailed:       "LOAD_FAILED",
	CodePreprocessFailed: "PREPROCESS_FAILED",
	CodeInferenceFailed:  "INFERENCE_FAILED",
	CodeTransportFailed:  "TRANSPORT_FAILED",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// grpcCodeMap maps pipeline codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	CodeUnknown:          codes.Unknown,
	CodeInternal:         codes.Internal,
	CodeInvalidArgument:  codes.InvalidArgument,
	CodeUnavailable:      codes.Unavailable,
	CodeTimeout:          codes.DeadlineExceeded,
	CodeCancelled:        codes.Canceled,
	CodeConfigInvalid:    codes.InvalidArgument,
	CodeLoadFailed:       codes.FailedPrecondition,
	CodePreprocessFailed: codes.InvalidArgument,
	CodeInferenceFailed:  codes.Internal,
	CodeTransportFailed:  codes.Unavailable,
}

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus lets status.FromError recognise an AppError.
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// WithMetadata adds a metadata pair and returns e for chaining.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// FromGRPCError converts an error returned by a gRPC call.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: CodeUnknown, Message: err.Error(), Cause: err}
	}
	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message(), Cause: err}
}

func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return CodeInvalidArgument
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Canceled:
		return CodeCancelled
	case codes.Internal:
		return CodeInternal
	case codes.FailedPrecondition, codes.NotFound:
		return CodeLoadFailed
	default:
		return CodeUnknown
	}
}

// IsCode reports whether err (or anything it wraps) is an AppError with code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}
