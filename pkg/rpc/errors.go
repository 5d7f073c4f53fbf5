package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/translate"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Backend error codes.
const (
	// BackendUnreachable indicates a connection-level failure.
	BackendUnreachable = -32010

	// BackendNotReady indicates the backend is syncing or lacks data.
	BackendNotReady = -32011

	// BackendRejected indicates a definitive negative answer.
	BackendRejected = -32012

	// TranslationFailed indicates a backend reply that could not be interpreted.
	TranslationFailed = -32013

	// BackendNotFound indicates the requested chain data does not exist.
	BackendNotFound = -32014

	// BackendUnavailable is the conservative code for anything else.
	BackendUnavailable = -32015
)

// Common error messages.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %+v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// NotReadyError reports that a method needing a current view was called
// while the backend is syncing.
func NotReadyError(method string, status readiness.Snapshot) *RPCError {
	progress := status.Progress
	return NewRPCErrorWithData(BackendNotReady,
		fmt.Sprintf("%s: backend is %s (%.2f%%)", method, status.State, progress*100),
		ErrorData{
			Category:  backend.CategoryNotReady.String(),
			Reason:    status.State.String(),
			Retryable: true,
			Progress:  &progress,
		})
}

var categoryCodes = map[backend.Category]int{
	backend.CategoryUnreachable: BackendUnreachable,
	backend.CategoryNotReady:    BackendNotReady,
	backend.CategoryRejected:    BackendRejected,
	backend.CategoryMalformed:   TranslationFailed,
	backend.CategoryNotFound:    BackendNotFound,
	backend.CategoryUnsupported: BackendUnavailable,
	backend.CategoryOther:       BackendUnavailable,
}

// ToRPCError maps any error produced below the dispatch table onto a
// protocol error. Nothing is ever mapped to success.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}

	var (
		rpcErr *RPCError
		be     *backend.Error
		te     *translate.Error
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &be):
		code, ok := categoryCodes[be.Category]
		if !ok {
			code = BackendUnavailable
		}
		return NewRPCErrorWithData(code, be.Error(), ErrorData{
			Category:    be.Category.String(),
			Reason:      string(be.Reason),
			Stage:       be.Stage,
			Method:      be.Method,
			BackendCode: be.Code,
			Retryable:   be.Category.Retryable(),
		})
	case errors.As(err, &te):
		return NewRPCErrorWithData(TranslationFailed, te.Error(), ErrorData{
			Category: backend.CategoryMalformed.String(),
			Reason:   te.Field,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewRPCErrorWithData(BackendUnavailable, err.Error(), ErrorData{
			Category:  backend.CategoryOther.String(),
			Reason:    "canceled",
			Retryable: true,
		})
	default:
		return NewRPCErrorWithData(BackendUnavailable, err.Error(), ErrorData{
			Category: backend.CategoryOther.String(),
		})
	}
}
