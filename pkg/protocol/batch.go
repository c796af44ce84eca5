package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyBatch is returned when a request body holds an empty JSON array.
var ErrEmptyBatch = errors.New("empty batch")

// ParseBatch decodes a request body holding either a single JSON-RPC object or
// a JSON array of them. The boolean result reports whether the body was an
// array. Structural validation of individual messages is left to the caller so
// that one malformed entry does not discard the rest of the batch.
func ParseBatch(data []byte) ([]*Message, bool, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}

	if trimmed[0] != '[' {
		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, false, fmt.Errorf("failed to parse message: %w", err)
		}
		return []*Message{&msg}, false, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, true, fmt.Errorf("failed to parse batch: %w", err)
	}
	if len(raw) == 0 {
		return nil, true, ErrEmptyBatch
	}

	messages := make([]*Message, 0, len(raw))
	for i, item := range raw {
		var msg Message
		if err := json.Unmarshal(item, &msg); err != nil {
			return nil, true, fmt.Errorf("failed to parse batch entry %d: %w", i, err)
		}
		messages = append(messages, &msg)
	}
	return messages, true, nil
}

// Split partitions messages into requests, notifications and everything else.
func Split(messages []*Message) (requests, notifications, other []*Message) {
	for _, msg := range messages {
		switch msg.Kind() {
		case KindRequest:
			requests = append(requests, msg)
		case KindNotification:
			notifications = append(notifications, msg)
		default:
			other = append(other, msg)
		}
	}
	return requests, notifications, other
}
