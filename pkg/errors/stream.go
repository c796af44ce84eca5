package errors

import (
	"fmt"
	"time"
)

// Sentinels for errors.Is comparisons. Matching is by code, so any error built
// by the constructors below matches the sentinel of the same kind.
var (
	ErrInvalidSession    = NewError(CodeInvalidSession, "invalid session", CategoryAuth, SeverityError)
	ErrStreamGone        = NewError(CodeStreamGone, "stream gone", CategoryStream, SeverityWarning)
	ErrUnknownEvent      = NewError(CodeUnknownEvent, "unknown event", CategoryResumption, SeverityError)
	ErrCircuitOpen       = NewError(CodeCircuitOpen, "circuit open", CategoryCapacity, SeverityWarning)
	ErrManagerClosed     = NewError(CodeManagerClosed, "connection manager closed", CategoryLifecycle, SeverityInfo)
	ErrPermanentlyFailed = NewError(CodePermanentlyFailed, "connection permanently failed", CategoryLifecycle, SeverityCritical)
	ErrResumeLost        = NewError(CodeResumeLost, "resumption lost", CategoryResumption, SeverityWarning)
)

// StreamErrorData contains structured data for stream-related errors
type StreamErrorData struct {
	StreamID  string `json:"stream_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BreakerErrorData contains structured data for circuit breaker rejections
type BreakerErrorData struct {
	Breaker    string        `json:"breaker"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// SessionRequired creates an error for a request that arrived without a session
func SessionRequired() Error {
	return NewError(
		CodeUnauthorized,
		"Session required",
		CategoryAuth,
		SeverityError,
	)
}

// InvalidSession creates an error for an unknown, expired or malformed session id
func InvalidSession(sessionID, reason string) Error {
	err := NewError(
		CodeInvalidSession,
		"Invalid session",
		CategoryAuth,
		SeverityError,
	).WithData(&StreamErrorData{
		SessionID: sessionID,
		Reason:    reason,
	})
	if reason != "" {
		err = err.WithDetail(reason)
	}
	return err.WithContext(&Context{SessionID: sessionID, Timestamp: time.Now()})
}

// StreamGone creates an error for a publish whose target no longer resolves to an open stream
func StreamGone(target string) Error {
	return NewError(
		CodeStreamGone,
		fmt.Sprintf("Stream for %q is gone", target),
		CategoryStream,
		SeverityWarning,
	).WithData(&StreamErrorData{
		StreamID: target,
	})
}

// StreamWriteFailed creates a StreamGone error caused by a failed sink write
func StreamWriteFailed(streamID string, cause error) Error {
	return WrapError(
		cause,
		CodeStreamGone,
		fmt.Sprintf("Stream %q transport failed", streamID),
		CategoryStream,
		SeverityWarning,
	).WithData(&StreamErrorData{
		StreamID: streamID,
		Reason:   errorReason(cause),
	})
}

// UnknownEvent creates an error for a resumption token that cannot be located
func UnknownEvent(eventID string, cause error) Error {
	return WrapError(
		cause,
		CodeUnknownEvent,
		fmt.Sprintf("Unknown event %q", eventID),
		CategoryResumption,
		SeverityError,
	).WithData(&StreamErrorData{
		EventID: eventID,
		Reason:  errorReason(cause),
	}).WithContext(&Context{EventID: eventID, Timestamp: time.Now()})
}

// DuplicateRequestID creates an error for a request id already pending on a stream
func DuplicateRequestID(streamID, requestID string) Error {
	return NewError(
		CodeDuplicateRequestID,
		fmt.Sprintf("Request id %s is already pending", requestID),
		CategoryProtocol,
		SeverityError,
	).WithData(&StreamErrorData{
		StreamID:  streamID,
		RequestID: requestID,
	})
}

// UnmatchedResponse creates an error for a response that answers no pending request
func UnmatchedResponse(streamID, requestID string) Error {
	return NewError(
		CodeUnmatchedResponse,
		fmt.Sprintf("Response id %s does not match a pending request", requestID),
		CategoryProtocol,
		SeverityError,
	).WithData(&StreamErrorData{
		StreamID:  streamID,
		RequestID: requestID,
	})
}

// CircuitOpen creates an error for an operation rejected by an open breaker
func CircuitOpen(breaker string, retryAfter time.Duration) Error {
	return NewError(
		CodeCircuitOpen,
		fmt.Sprintf("Circuit breaker %q is open", breaker),
		CategoryCapacity,
		SeverityWarning,
	).WithData(&BreakerErrorData{
		Breaker:    breaker,
		RetryAfter: retryAfter,
	})
}

// ManagerClosed creates an error for sends failed by closing the connection manager
func ManagerClosed() Error {
	return NewError(
		CodeManagerClosed,
		"Connection manager closed",
		CategoryLifecycle,
		SeverityInfo,
	)
}

// PermanentlyFailed creates an error for sends failed after reconnect attempts ran out
func PermanentlyFailed(attempts int, cause error) Error {
	return WrapError(
		cause,
		CodePermanentlyFailed,
		fmt.Sprintf("Connection permanently failed after %d reconnect attempts", attempts),
		CategoryLifecycle,
		SeverityCritical,
	)
}

// ResumeLost creates an error telling the caller that resumption was refused
// and events after eventID may never be delivered.
func ResumeLost(eventID string, cause error) Error {
	return WrapError(
		cause,
		CodeResumeLost,
		fmt.Sprintf("Cannot resume after event %q; stream restarted without replay", eventID),
		CategoryResumption,
		SeverityWarning,
	).WithData(&StreamErrorData{
		EventID: eventID,
		Reason:  errorReason(cause),
	})
}

// StoreError creates an error for a failed event store operation
func StoreError(operation string, cause error) Error {
	return WrapError(
		cause,
		CodeStoreError,
		fmt.Sprintf("Event store %s failed", operation),
		CategoryInternal,
		SeverityError,
	).WithDetail(errorReason(cause))
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
