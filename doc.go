// Package streamrpc is a resumable JSON-RPC 2.0 transport over HTTP and
// Server-Sent Events.
//
// Clients POST messages to a single endpoint. A POST carrying requests is
// answered with an event stream that delivers the responses, plus any
// notifications the handlers emit along the way. GET opens a long-lived
// listener stream for server pushes. Every event carries an id of the form
// <streamID>:<sequence>; a client that loses its connection reconnects with
// Last-Event-ID and the server replays everything after it.
//
// # Components
//
//   - pkg/eventstore: append-only per-stream event log with replay and pruning
//   - pkg/circuitbreaker: fail-fast protection around connection attempts
//   - pkg/server: stream multiplexer, method router and HTTP handler
//   - pkg/client: resilient connection manager with ordered outbound queue
//   - pkg/session: session registry with idle expiry
//
// # Serving
//
//	cfg, err := streamrpc.LoadConfig("streamrpc.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := streamrpc.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Router().HandleFunc("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
//	    return params, nil
//	})
//	log.Fatal(srv.Run(ctx))
//
// # Calling
//
//	mgr := streamrpc.NewManager(streamrpc.NewHTTPDialer("http://localhost:8080/rpc"))
//	mgr.Start()
//	defer mgr.Close()
//	result, err := mgr.Call(ctx, "echo", map[string]string{"hello": "world"})
package streamrpc
