package transport

// Header names used by the streamable HTTP transport
const (
	HeaderSessionID   = "Mcp-Session-Id"
	HeaderLastEventID = "Last-Event-ID"
	HeaderAccept      = "Accept"
	HeaderContentType = "Content-Type"
	HeaderOrigin      = "Origin"
)

// Media types negotiated on the endpoint
const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
)

// EventTypeMessage is the SSE event type of every JSON-RPC event
const EventTypeMessage = "message"
