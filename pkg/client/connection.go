package client

import (
	"context"
	"errors"

	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

// Event is one inbound message. ID is the event id assigned by the server,
// empty for messages that did not arrive as a tagged event.
type Event struct {
	ID      string
	Message *protocol.Message
}

// Connection is one physical connection to the server. Events delivers inbound
// messages in arrival order and is closed after Done.
type Connection interface {
	Send(ctx context.Context, msg *protocol.Message) error
	Events() <-chan Event
	Done() <-chan struct{}
	// Err reports why the connection ended
	Err() error
	Close() error
}

// DialOptions are passed to every dial
type DialOptions struct {
	// LastEventID asks the server to replay everything after this event
	LastEventID string
}

// Dialer opens connections. The context bounds the dial only, not the
// lifetime of the returned connection.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Connection, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, opts DialOptions) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, opts DialOptions) (Connection, error) {
	return f(ctx, opts)
}

// ErrConnectionClosed is reported by Err after Close
var ErrConnectionClosed = errors.New("connection closed")
