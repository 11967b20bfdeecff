package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is a single JSON-RPC call. Params are kept opaque.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// Validate checks the envelope fields and returns the wire error to send back.
func (r *Request) Validate() *Error {
	if r == nil || r.JSONRPC != Version || r.Method == "" {
		return ErrInvalidRequest
	}
	if len(r.Params) == 0 {
		return nil
	}
	switch firstByte(r.Params) {
	case '[', '{':
		return nil
	case 'n':
		if bytes.Equal(bytes.TrimSpace(r.Params), []byte("null")) {
			return nil
		}
	}
	return ErrInvalidParams
}

// WithID returns a shallow copy of r carrying a different id.
func (r *Request) WithID(id ID) *Request {
	out := *r
	out.ID = id
	return &out
}

// ParseBatch parses a request body. isBatch reports whether the body was an array.
// A malformed array element yields a nil entry so per-item errors can be reported.
func ParseBatch(data []byte) (reqs []*Request, isBatch bool, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, ErrInvalidRequest
	}
	if data[0] != '[' {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			if _, ok := err.(*json.SyntaxError); ok || !json.Valid(data) {
				return nil, false, ErrParse
			}
			return nil, false, ErrInvalidRequest
		}
		return []*Request{&req}, false, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, true, ErrParse
	}
	if len(raw) == 0 {
		return nil, true, ErrInvalidRequest
	}
	reqs = make([]*Request, len(raw))
	for i, item := range raw {
		var req Request
		if err := json.Unmarshal(item, &req); err != nil {
			continue
		}
		reqs[i] = &req
	}
	return reqs, true, nil
}

// MarshalPayload encodes upstream calls; a single call goes out as an object.
func MarshalPayload(reqs []*Request) ([]byte, error) {
	if len(reqs) == 1 {
		return json.Marshal(reqs[0])
	}
	b, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch of %d: %w", len(reqs), err)
	}
	return b, nil
}

func firstByte(b []byte) byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
