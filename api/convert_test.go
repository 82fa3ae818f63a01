package api

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/wire"
)

func TestToWire(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"s": "x", "n": 42, "b": true, "l": [1, "two", false], "m": {"k": -7}}`))
	dec.UseNumber()
	var in map[string]interface{}
	require.NoError(t, dec.Decode(&in))

	out, err := toWire(in)
	require.NoError(t, err)

	assert.Equal(t, "x", out["s"])
	assert.Equal(t, int64(42), out["n"])
	assert.Equal(t, int64(1), out["b"])
	assert.Equal(t, []interface{}{int64(1), "two", int64(0)}, out["l"])
	sub, ok := wire.Sub(out, "m")
	require.True(t, ok)
	assert.Equal(t, int64(-7), sub["k"])

	encoded, err := wire.Encode(out)
	require.NoError(t, err)
	back, err := wire.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(42), wire.IntOr(back, "n", 0))
}

func TestToWireRejects(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]interface{}
	}{
		{"fraction", map[string]interface{}{"f": json.Number("1.5")}},
		{"float", map[string]interface{}{"f": 2.25}},
		{"null", map[string]interface{}{"f": nil}},
		{"nested null", map[string]interface{}{"m": map[string]interface{}{"f": nil}}},
		{"list null", map[string]interface{}{"l": []interface{}{nil}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := toWire(tt.in)
			assert.Error(t, err)
		})
	}
}
