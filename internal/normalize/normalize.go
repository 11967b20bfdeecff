// Package normalize derives the canonical identity of a JSON-RPC call.
//
// Two calls are the same call when their methods are equal and their params
// are equal as JSON values: object member order and insignificant whitespace
// are ignored, array order is significant, strings compare byte for byte
// (no case folding) and numbers compare by their literal text.
//
// The key is method + ":" + hex(sha256(canonical params)). Distinct params
// can only share a key through a SHA-256 collision.
package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrInvalidParams is returned when params are not a single well-formed JSON value.
var ErrInvalidParams = errors.New("params are not valid JSON")

var emptyParams = []byte("[]")

// Canonicalize returns the canonical key for method and params.
func Canonicalize(method string, params json.RawMessage) (string, error) {
	canon, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return method + ":" + hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON re-encodes params with object keys sorted at every depth.
// Absent and null params both canonicalise to an empty array.
func CanonicalJSON(params json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptyParams, nil
	}

	// the decoder turns these into U+FFFD, which would merge distinct params
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrInvalidParams)
	}
	if err := checkSurrogates(trimmed); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidParams)
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkSurrogates rejects \u escapes that do not form a valid UTF-16
// surrogate pair. Only escapes inside strings are inspected; the decoder
// reports any other syntax error.
func checkSurrogates(b []byte) error {
	inString := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			continue
		}
		switch c {
		case '"':
			inString = false
		case '\\':
			if i+1 >= len(b) {
				return nil
			}
			if b[i+1] != 'u' {
				i++
				continue
			}
			r, ok := escapedRune(b, i)
			if !ok {
				return nil
			}
			i += 5
			if !utf16.IsSurrogate(r) {
				continue
			}
			lo, ok := escapedRune(b, i+1)
			if r >= 0xdc00 || !ok || utf16.DecodeRune(r, lo) == utf8.RuneError {
				return fmt.Errorf("%w: unpaired surrogate \\u%04x", ErrInvalidParams, r)
			}
			i += 6
		}
	}
	return nil
}

// escapedRune decodes the \uXXXX escape starting at b[i].
func escapedRune(b []byte, i int) (rune, bool) {
	if i+6 > len(b) || b[i] != '\\' || b[i+1] != 'u' {
		return 0, false
	}
	n, err := strconv.ParseUint(string(b[i+2:i+6]), 16, 16)
	if err != nil {
		return 0, false
	}
	return rune(n), true
}

// writeValue encodes v compactly. encoding/json already emits map keys in
// sorted order, so objects are handled by Marshal; arrays are walked to keep
// the recursion explicit about order preservation.
func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := marshalNoEscape(val)
		if err != nil {
			return fmt.Errorf("encode canonical params: %w", err)
		}
		buf.Write(b)
		return nil
	}
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
