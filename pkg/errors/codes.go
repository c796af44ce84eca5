package errors

// JSON-RPC 2.0 Standard Error Codes
const (
	// ParseError indicates invalid JSON was received by the server
	CodeParseError int = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object
	CodeInvalidRequest int = -32600

	// MethodNotFound indicates the method does not exist / is not available
	CodeMethodNotFound int = -32601

	// InvalidParams indicates invalid method parameter(s)
	CodeInvalidParams int = -32602

	// InternalError indicates internal JSON-RPC error
	CodeInternalError int = -32603
)

// Transport-specific error codes, all inside the JSON-RPC server error range.
const (
	// Session Errors (-32100 to -32199)
	CodeUnauthorized   int = -32100 // Request lacks a usable session
	CodeInvalidSession int = -32101 // Session id is unknown or malformed
	CodeSessionExpired int = -32102 // Session expired through inactivity

	// Stream Errors (-32200 to -32299)
	CodeStreamGone          int = -32200 // No open stream for the publish target
	CodeUnknownEvent        int = -32201 // Event id unknown or already pruned
	CodeDuplicateRequestID  int = -32202 // Request id already pending
	CodeUnmatchedResponse   int = -32203 // Response id does not match a pending request
	CodeStreamAlreadyClosed int = -32204 // Stream closed while an operation was in flight

	// Operation Errors (-32300 to -32399)
	CodeOperationCancelled int = -32300 // Operation was cancelled
	CodeOperationTimeout   int = -32301 // Operation timed out
	CodeOperationFailed    int = -32302 // Operation failed

	// Event Store Errors (-32400 to -32499)
	CodeStoreError int = -32400 // Event store backend failure

	// Transport Errors (-32500 to -32519)
	CodeTransportError    int = -32500 // Generic transport error
	CodeConnectionFailed  int = -32501 // Failed to establish connection
	CodeConnectionLost    int = -32502 // Connection lost during operation
	CodeConnectionTimeout int = -32503 // Connection timed out

	// Client Lifecycle Errors (-32520 to -32529)
	CodeManagerClosed     int = -32520 // Connection manager was closed
	CodePermanentlyFailed int = -32521 // Reconnect attempts exhausted
	CodeResumeLost        int = -32522 // Resumption failed and history may be lost

	// Capacity Errors (-32530 to -32539)
	CodeCircuitOpen int = -32530 // Circuit breaker rejected the operation

	// Protocol Errors (-32900 to -32999)
	CodeProtocolError int = -32900 // Generic protocol error
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

// errorCodeRegistry maps error codes to their information
var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method does not exist", CategoryProtocol, SeverityError},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryValidation, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError},

	CodeUnauthorized:   {CodeUnauthorized, "Unauthorized", "Request lacks a usable session", CategoryAuth, SeverityError},
	CodeInvalidSession: {CodeInvalidSession, "InvalidSession", "Session is unknown or malformed", CategoryAuth, SeverityError},
	CodeSessionExpired: {CodeSessionExpired, "SessionExpired", "Session expired", CategoryAuth, SeverityWarning},

	CodeStreamGone:          {CodeStreamGone, "StreamGone", "Stream is no longer open", CategoryStream, SeverityWarning},
	CodeUnknownEvent:        {CodeUnknownEvent, "UnknownEvent", "Event id unknown or pruned", CategoryResumption, SeverityError},
	CodeDuplicateRequestID:  {CodeDuplicateRequestID, "DuplicateRequestID", "Request id already pending", CategoryProtocol, SeverityError},
	CodeUnmatchedResponse:   {CodeUnmatchedResponse, "UnmatchedResponse", "Response does not match a pending request", CategoryProtocol, SeverityError},
	CodeStreamAlreadyClosed: {CodeStreamAlreadyClosed, "StreamAlreadyClosed", "Stream already closed", CategoryStream, SeverityWarning},

	CodeOperationCancelled: {CodeOperationCancelled, "OperationCancelled", "Operation cancelled", CategoryCancelled, SeverityInfo},
	CodeOperationTimeout:   {CodeOperationTimeout, "OperationTimeout", "Operation timed out", CategoryTimeout, SeverityError},
	CodeOperationFailed:    {CodeOperationFailed, "OperationFailed", "Operation failed", CategoryInternal, SeverityError},

	CodeStoreError: {CodeStoreError, "StoreError", "Event store failure", CategoryInternal, SeverityError},

	CodeTransportError:    {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeConnectionFailed:  {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryTransport, SeverityError},
	CodeConnectionLost:    {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryTransport, SeverityError},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timeout", CategoryTimeout, SeverityError},

	CodeManagerClosed:     {CodeManagerClosed, "ManagerClosed", "Connection manager closed", CategoryLifecycle, SeverityInfo},
	CodePermanentlyFailed: {CodePermanentlyFailed, "PermanentlyFailed", "Reconnect attempts exhausted", CategoryLifecycle, SeverityCritical},
	CodeResumeLost:        {CodeResumeLost, "ResumeLost", "Resumption failed", CategoryResumption, SeverityWarning},

	CodeCircuitOpen: {CodeCircuitOpen, "CircuitOpen", "Circuit breaker open", CategoryCapacity, SeverityWarning},

	CodeProtocolError: {CodeProtocolError, "ProtocolError", "Protocol error", CategoryProtocol, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}
