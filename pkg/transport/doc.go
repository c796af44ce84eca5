// Package transport holds the wire-level pieces shared by the streaming
// server and the resilient client.
//
// # Server-Sent Events
//
// Every JSON-RPC message travelling from server to client is framed as one
// SSE event:
//
//	event: message
//	id: <streamID>:<sequence>
//	data: <json>
//
// Writer produces these frames (plus ": ping" heartbeat comments) and Reader
// parses them back, skipping comments and honouring multi-line data fields.
//
// # Configuration
//
// Config carries every tunable of the transport: endpoint, connection limits,
// reconnect policy, circuit breaker, session registry, event retention, redis
// backend, HTTP listener and origin validation. DefaultConfig returns
// production defaults and Validate rejects values that cannot work.
//
//	config := transport.DefaultConfig()
//	config.Endpoint = "https://api.example.com/rpc"
//	if err := config.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// # Backoff
//
// ReliabilityConfig.Backoff computes the reconnect delay
// min(MaxRetryDelay, InitialRetryDelay * RetryBackoffFactor^attempts), with
// optional ±10% jitter drawn from crypto/rand.
package transport
