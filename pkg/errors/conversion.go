package errors

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

// ToProtocolError converts any error to a JSON-RPC error object. Errors that
// are not structured become InternalError.
func ToProtocolError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	var wire *protocol.Error
	if stderrors.As(err, &wire) {
		return wire
	}

	if rpcErr, ok := AsError(err); ok {
		return &protocol.Error{
			Code:    protocol.ErrorCode(rpcErr.Code()),
			Message: rpcErr.Message(),
			Data:    rpcErr.Data(),
		}
	}

	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// ToErrorResponse builds an ErrorResponse for request id from err
func ToErrorResponse(id protocol.RequestID, err error) *protocol.Message {
	wire := ToProtocolError(err)
	return protocol.NewErrorResponse(id, wire.Code, wire.Message, wire.Data)
}

// FromProtocolError converts a JSON-RPC error object to an Error
func FromProtocolError(wire *protocol.Error) Error {
	if wire == nil {
		return nil
	}

	code := int(wire.Code)
	err := NewError(code, wire.Message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
	if wire.Data != nil {
		err = err.WithData(wire.Data)
	}
	return err
}

// CreateParseError creates a parse error
func CreateParseError(details string) Error {
	return NewError(CodeParseError, "Parse error", CategoryProtocol, SeverityError).WithDetail(details)
}

// CreateInvalidRequestError creates an invalid request error
func CreateInvalidRequestError(details string) Error {
	return NewError(CodeInvalidRequest, "Invalid request", CategoryProtocol, SeverityError).WithDetail(details)
}

// CreateMethodNotFoundError creates a method not found error
func CreateMethodNotFoundError(method string) Error {
	return NewError(CodeMethodNotFound, "Method not found", CategoryProtocol, SeverityError).
		WithDetail(method).
		WithData(map[string]string{"method": method})
}

// CreateInvalidParamsError creates an invalid params error
func CreateInvalidParamsError(method, details string) Error {
	return NewError(CodeInvalidParams, "Invalid params", CategoryValidation, SeverityError).
		WithDetail(details).
		WithData(map[string]string{"method": method})
}

// CreateInternalError creates an internal error
func CreateInternalError(operation string, cause error) Error {
	err := WrapError(cause, CodeInternalError, "Internal error", CategoryInternal, SeverityError)
	if operation != "" {
		err = err.WithDetail(operation)
	}
	return err
}

// HTTPStatus maps an error to the status code the streamable HTTP endpoint
// responds with before any event has been written.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	rpcErr, ok := AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch rpcErr.Code() {
	case CodeUnauthorized, CodeInvalidSession, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeUnknownEvent, CodeParseError, CodeInvalidRequest, CodeDuplicateRequestID:
		return http.StatusBadRequest
	case CodeStreamGone:
		return http.StatusNotFound
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable classifies err for the reconnect loop: transport faults are
// retried locally, protocol and resumption faults are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if rpcErr, ok := AsError(err); ok {
		if data, ok := rpcErr.Data().(*TransportErrorData); ok {
			return data.Retryable
		}

		switch rpcErr.Category() {
		case CategoryTimeout, CategoryTransport, CategoryStream:
			return true
		case CategoryCancelled, CategoryAuth, CategoryProtocol, CategoryResumption, CategoryLifecycle, CategoryValidation:
			return false
		}

		switch rpcErr.Code() {
		case CodeConnectionFailed, CodeConnectionLost, CodeConnectionTimeout, CodeOperationTimeout:
			return true
		}
		return false
	}

	// Unstructured errors come from the network stack.
	return true
}
