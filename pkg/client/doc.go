// Package client implements the client side of the streaming JSON-RPC
// transport.
//
// A Manager owns at most one Connection at a time. Messages passed to Send
// are queued in order and written by a single writer, so a message sent while
// the connection is down is transmitted after reconnecting, before anything
// sent later. When the connection fails the Manager dials again with
// exponential backoff, guarded by a circuit breaker, and presents the id of
// the last event it delivered so the server replays what was missed. Events
// the server replays twice are dropped using a per-stream high-water mark.
//
// # Connecting over HTTP
//
//	dialer := client.NewHTTPDialer("http://localhost:8080/rpc")
//	mgr := client.NewManager(dialer,
//	    client.WithReliability(cfg.Reliability),
//	    client.WithEventHandler(func(ev client.Event) {
//	        fmt.Println(ev.ID, ev.Message.Method)
//	    }),
//	)
//	mgr.Start()
//	defer mgr.Close()
//
//	result, err := mgr.Call(ctx, "ping", nil)
//
// # Failure handling
//
// After MaxReconnectAttempts consecutive failures the Manager moves to
// StatePermanentlyFailed: queued messages fail and further sends fail fast.
// A connection that drops before it carried any traffic counts as a failure.
// A Call whose request went out on a connection that then dropped fails with
// a retryable ConnectionLost error.
// If the server no longer knows the last event id, the Manager reports a
// ResumeLost error through the error handler and reconnects without
// resumption.
//
// Dialers can be decorated with DialerMiddleware, e.g. WithDialLogging and
// WithDialTracing.
package client
