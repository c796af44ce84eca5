// Package protocol defines the JSON-RPC 2.0 message model carried by the
// streaming transport, together with the event id format used for
// resumption.
//
// A Message is a tagged union of request, notification, response and error
// response. Requests and notifications differ only by the presence of an id:
//
//	{"jsonrpc":"2.0","id":1,"method":"ping"}
//	{"jsonrpc":"2.0","method":"log","params":{"msg":"x"}}
//
// Server events are framed with an EventID of the form "<streamID>:<sequence>"
// so that a reconnecting client can name the exact point it wants to resume
// after:
//
//	event: message
//	id: 5f0c...:3
//	data: {"jsonrpc":"2.0","id":1,"result":{}}
package protocol
