package server

import (
	"context"
	"encoding/json"

	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

type contextKey int

const (
	notifierKey contextKey = iota
	sessionKey
	streamKey
)

// Notifier publishes notifications onto the stream of the request being handled
type Notifier interface {
	Notify(ctx context.Context, method string, params interface{}) error
}

// NotifierFromContext returns the notifier of the stream a request arrived on.
// It is available to request handlers only.
func NotifierFromContext(ctx context.Context) (Notifier, bool) {
	n, ok := ctx.Value(notifierKey).(Notifier)
	return n, ok
}

// SessionIDFromContext returns the session the current message belongs to
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// StreamIDFromContext returns the stream the current request arrived on
func StreamIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(streamKey).(string)
	return id
}

// streamNotifier publishes onto one stream
type streamNotifier struct {
	mux      *Multiplexer
	streamID string
}

func (n *streamNotifier) Notify(ctx context.Context, method string, params interface{}) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return n.mux.Publish(ctx, Target{StreamID: n.streamID}, msg)
}

func encodeMessage(msg *protocol.Message) (json.RawMessage, error) {
	return json.Marshal(msg)
}
