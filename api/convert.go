package api

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opd-ai/buddynet/wire"
)

// toWire converts a decoded JSON object into a payload map. Numbers
// become int64, booleans become 0 or 1.
func toWire(m map[string]interface{}) (wire.Map, error) {
	out := make(wire.Map, len(m))
	for k, v := range m {
		wv, err := toWireValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = wv
	}
	return out, nil
}

func toWireValue(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s is not an integer", v)
		}
		return n, nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case map[string]interface{}:
		return toWire(v)
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, e := range v {
			we, err := toWireValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, we)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("null values are not supported")
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

// fromWire converts a payload map for JSON output.
func fromWire(m wire.Map) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = fromWireValue(v)
	}
	return out
}

func fromWireValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		return fromWire(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = fromWireValue(e)
		}
		return out
	}
	return v
}
