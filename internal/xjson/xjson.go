// Package xjson is the single import site for JSON encoding. Wire frames and
// the on-disk databases both go through it so the encoder can be swapped
// without touching callers.
package xjson

import (
	"bytes"
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// RawMessage stays assignable to encoding/json's RawMessage.
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return gjson.Valid(data)
}

// Compact returns data with insignificant whitespace removed.
func Compact(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gjson.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
