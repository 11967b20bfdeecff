package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Version is the only protocol version the gateway speaks.
const Version = "2.0"

// Error codes returned to callers.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeLimitExceeded is the de-facto provider code for throttling.
	CodeLimitExceeded = -32005
)

// ID is a JSON-RPC id: a string, a number or null.
// Numbers are kept as json.Number so they echo back byte-for-byte.
type ID struct {
	value interface{}
}

// StringID builds a string id.
func StringID(s string) ID {
	return ID{value: s}
}

// IntID builds a numeric id.
func IntID(n int64) ID {
	return ID{value: json.Number(strconv.FormatInt(n, 10))}
}

// NullID is the id used for responses to unparseable requests.
func NullID() ID {
	return ID{}
}

// IsNull reports whether the id is absent or null.
func (id ID) IsNull() bool {
	return id.value == nil
}

// Int returns the numeric value of the id, if it is an integer.
func (id ID) Int() (int64, bool) {
	n, ok := id.value.(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	return v, err == nil
}

// String returns a printable form of the id for logs.
func (id ID) String() string {
	switch v := id.value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v.(type) {
	case nil, string, json.Number:
		id.value = v
		return nil
	default:
		return ErrInvalidRequest
	}
}

// Error is a JSON-RPC error object. It doubles as a Go error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError creates a JSON-RPC error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithData returns a copy of e carrying data. Unmarshalable data is dropped.
func (e *Error) WithData(data interface{}) *Error {
	out := &Error{Code: e.Code, Message: e.Message}
	if data == nil {
		return out
	}
	if raw, err := json.Marshal(data); err == nil {
		out.Data = raw
	}
	return out
}

var (
	ErrParse          = NewError(CodeParseError, "Parse error")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "Method not found")
	ErrInvalidParams  = NewError(CodeInvalidParams, "Invalid params")
	ErrInternal       = NewError(CodeInternalError, "Internal error")
	ErrRateLimited    = NewError(CodeLimitExceeded, "Rate limit exceeded")
	ErrTimeout        = NewError(CodeInternalError, "Request timeout")
)
