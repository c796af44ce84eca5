package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// RequestID is a JSON-RPC correlation token holding either a string or an
// integer. The zero value is the empty string id. RequestID is comparable and
// may be used directly as a map key; "1" and 1 are distinct ids.
type RequestID struct {
	str   string
	num   int64
	isNum bool
}

// StringID returns a string request id
func StringID(s string) RequestID {
	return RequestID{str: s}
}

// IntID returns an integer request id
func IntID(n int64) RequestID {
	return RequestID{num: n, isNum: true}
}

// IsNumber reports whether the id was encoded as a JSON number
func (id RequestID) IsNumber() bool {
	return id.isNum
}

// String returns the string representation of the ID
func (id RequestID) String() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// Value returns the underlying string or int64
func (id RequestID) Value() interface{} {
	if id.isNum {
		return id.num
	}
	return id.str
}

// MarshalJSON implements json.Marshaler
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isNum {
		return strconv.AppendInt(nil, id.num, 10), nil
	}
	return json.Marshal(id.str)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}

	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*id = IntID(n)
		return nil
	}

	// Integral values written in float notation, e.g. 1.0 or 1e3.
	f, err := strconv.ParseFloat(string(data), 64)
	if err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		*id = IntID(int64(f))
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or integer, got: %s", string(data))
}
