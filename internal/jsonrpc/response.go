package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Response is a single JSON-RPC reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// HasError reports whether the provider answered with an error object.
func (r *Response) HasError() bool {
	return r.Error != nil
}

// NewResult builds a success response around an already encoded result.
func NewResult(id ID, result json.RawMessage) *Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, Result: result, ID: id}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

// WithID returns a copy of r addressed to a different caller id.
// Result and error bytes are shared; they are never mutated after decode.
func (r *Response) WithID(id ID) *Response {
	out := *r
	out.ID = id
	return &out
}

// ParseResponses decodes a provider reply, which may be an object or an array.
func ParseResponses(data []byte) ([]*Response, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrParse
	}
	if data[0] == '[' {
		var out []*Response
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return []*Response{&resp}, nil
}
