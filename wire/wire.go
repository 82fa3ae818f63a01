// Package wire encodes the map-based logical payloads exchanged between buddies.
//
// Payloads are bencoded dictionaries: keys are sorted, integers and byte
// strings are the only scalars. The accessors below tolerate the shapes the
// bencode decoder produces for interface{} targets (int64, string, []byte,
// []interface{}, map[string]interface{}).
//
// Example:
//
//	frame, err := wire.Encode(map[string]interface{}{"type": 1, "ss": 0})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m, _ := wire.Decode(frame)
//	kind, _ := wire.Int(m, "type")
package wire

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// ErrMalformed is returned when a frame is not a bencoded dictionary.
var ErrMalformed = errors.New("malformed payload")

// Map is a decoded logical payload.
type Map = map[string]interface{}

// Encode bencodes a payload map.
func Encode(m Map) ([]byte, error) {
	data, err := bencode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to bencode payload: %w", err)
	}
	return data, nil
}

// Decode parses a bencoded dictionary.
func Decode(data []byte) (Map, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	var m Map
	if err := bencode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformed)
	}
	return m, nil
}

// Int reads an integer field.
func Int(m Map, key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint8:
		return int64(v), true
	}
	return 0, false
}

// IntOr reads an integer field, returning def if it is missing.
func IntOr(m Map, key string, def int64) int64 {
	if v, ok := Int(m, key); ok {
		return v
	}
	return def
}

// Bytes reads a byte string field.
func Bytes(m Map, key string) ([]byte, bool) {
	switch v := m[key].(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// String reads a byte string field as text.
func String(m Map, key string) (string, bool) {
	switch v := m[key].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// Sub reads a nested dictionary.
func Sub(m Map, key string) (Map, bool) {
	v, ok := m[key].(map[string]interface{})
	return v, ok
}

// List reads a list field.
func List(m Map, key string) ([]interface{}, bool) {
	v, ok := m[key].([]interface{})
	return v, ok
}

// StringList reads a list of byte strings.
func StringList(m Map, key string) []string {
	items, _ := List(m, key)
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out
}
