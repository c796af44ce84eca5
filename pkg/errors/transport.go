package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport  string        `json:"transport"`
	Operation  string        `json:"operation,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Retryable  bool          `json:"retryable"`
	Reason     string        `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// TransportError creates a generic transport error
func TransportError(transport, operation string, cause error) Error {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}

	return WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Retryable: true,
		Reason:    errorReason(cause),
	}).WithDetail(errorReason(cause))
}

// ConnectionFailed creates an error for connection failures
func ConnectionFailed(transport, endpoint string, cause error) Error {
	message := fmt.Sprintf("Failed to connect via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("Failed to connect to %s via %s", endpointHost(endpoint), transport)
	}

	return WrapError(
		cause,
		CodeConnectionFailed,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "connect",
		Endpoint:  endpoint,
		Retryable: true,
		Reason:    errorReason(cause),
	}).WithDetail(errorReason(cause))
}

// ConnectionLost creates an error for connections dropped mid-operation
func ConnectionLost(transport, endpoint string, cause error) Error {
	return WrapError(
		cause,
		CodeConnectionLost,
		fmt.Sprintf("Connection to %s lost", endpointHost(endpoint)),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Endpoint:  endpoint,
		Retryable: true,
		Reason:    errorReason(cause),
	}).WithDetail(errorReason(cause))
}

// ConnectionTimeout creates an error for an attempt that exceeded its deadline
func ConnectionTimeout(transport, endpoint string, timeout time.Duration) Error {
	return NewError(
		CodeConnectionTimeout,
		fmt.Sprintf("Connection to %s timed out after %s", endpointHost(endpoint), timeout),
		CategoryTimeout,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Endpoint:  endpoint,
		Retryable: true,
		Timeout:   timeout,
	})
}

// HTTPStatusError creates an error for an unexpected HTTP status. Server-side
// failures are retryable, client-side ones are not.
func HTTPStatusError(operation, endpoint string, statusCode int) Error {
	retryable := statusCode >= 500 || statusCode == 429
	category := CategoryTransport
	code := CodeTransportError
	if !retryable {
		category = CategoryProtocol
		code = CodeProtocolError
	}

	return NewError(
		code,
		fmt.Sprintf("HTTP %d during %s", statusCode, operation),
		category,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport:  "http",
		Operation:  operation,
		Endpoint:   endpoint,
		Retryable:  retryable,
		StatusCode: statusCode,
	})
}

func endpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}
