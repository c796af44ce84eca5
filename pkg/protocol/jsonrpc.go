package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// ErrorCode represents standard JSON-RPC 2.0 error codes
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Kind identifies which variant of the JSON-RPC message union a Message holds.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindErrorResponse
)

// String returns the string representation of a message kind
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error_response"
	default:
		return "invalid"
	}
}

// Message is a single JSON-RPC 2.0 message. Requests and notifications are
// distinguished solely by the presence of ID; responses carry either Result
// or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id RequestID, method string, params interface{}) (*Message, error) {
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// NewNotification creates a new JSON-RPC 2.0 notification
func NewNotification(method string, params interface{}) (*Message, error) {
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// NewResponse creates a new JSON-RPC 2.0 success response. A nil result is
// encoded as JSON null.
func NewResponse(id RequestID, result interface{}) (*Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response
func NewErrorResponse(id RequestID, code ErrorCode, message string, data interface{}) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Kind reports which variant of the union the message holds.
func (m *Message) Kind() Kind {
	if m == nil {
		return KindInvalid
	}
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID == nil:
		return KindInvalid
	case m.Error != nil:
		return KindErrorResponse
	default:
		return KindResponse
	}
}

// IsRequest reports whether the message is a request
func (m *Message) IsRequest() bool { return m.Kind() == KindRequest }

// IsNotification reports whether the message is a notification
func (m *Message) IsNotification() bool { return m.Kind() == KindNotification }

// IsResponse reports whether the message is a response or an error response
func (m *Message) IsResponse() bool {
	k := m.Kind()
	return k == KindResponse || k == KindErrorResponse
}

// Validate checks the structural rules of JSON-RPC 2.0.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if m.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	switch m.Kind() {
	case KindRequest, KindNotification:
		if m.Result != nil || m.Error != nil {
			return fmt.Errorf("method call %q must not carry result or error", m.Method)
		}
	case KindResponse, KindErrorResponse:
		if m.Result != nil && m.Error != nil {
			return fmt.Errorf("response %s carries both result and error", m.ID)
		}
	default:
		return fmt.Errorf("message has neither method nor id")
	}
	return nil
}

// UnmarshalParams decodes the params of a request or notification into v.
func (m *Message) UnmarshalParams(v interface{}) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// UnmarshalResult decodes the result of a response into v.
func (m *Message) UnmarshalResult(v interface{}) error {
	if m.Error != nil {
		return m.Error
	}
	if len(m.Result) == 0 {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}
