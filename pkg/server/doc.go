// Package server implements the server side of the streaming JSON-RPC
// transport.
//
// The package provides:
//
//   - Multiplexer: turns inbound batches into event streams, tags every
//     outbound message with an event id and routes it to its stream
//   - Router: a method-name Dispatcher with panic recovery and cancellation
//   - HTTPHandler: the streamable HTTP endpoint (POST, GET, DELETE, OPTIONS)
//   - Server: wires the above to an event store and session registry chosen
//     by configuration
//
// # Streams
//
// A batch that carries at least one request opens a request stream. Each
// response, and each notification a handler emits through the Notifier in its
// context, is appended to the event store and written as
//
//	event: message
//	id: <streamID>:<sequence>
//	data: <json>
//
// The stream closes once every request in the batch has been answered. A
// batch without requests is acknowledged with 202 Accepted.
//
// GET opens a listener stream that receives broadcasts. With a Last-Event-ID
// header it instead replays every event after that id and continues live
// delivery on the same stream; an id that can no longer be located yields
// 400 Bad Request.
//
// # Creating a Server
//
//	cfg := transport.DefaultConfig()
//	srv, err := server.New(cfg, server.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	srv.Router().HandleFunc("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
//	    return params, nil
//	})
//	return srv.Run(ctx)
package server
