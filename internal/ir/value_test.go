package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Value
	}{
		{"int", `42`, Int(42)},
		{"float", `1.25`, Float(1.25)},
		{"exponent int", `1e3`, Float(1000)},
		{"null", `null`, Null{}},
		{"string", `"x"`, String("x")},
		{"array", `[1,"a",true]`, Array{Int(1), String("a"), Bool(true)}},
		{"object", `{"k":{"n":null}}`, Object{"k": Object{"n": Null{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue([]byte(tt.input))
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got), "got %#v", got)
		})
	}
}

func TestFromGoIntegralFloatsBecomeInts(t *testing.T) {
	v, err := FromGo(map[string]any{"n": 3.0, "f": 0.5})
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Int(3), obj["n"])
	assert.Equal(t, Float(0.5), obj["f"])
}

func TestFromGoRejectsUnsupported(t *testing.T) {
	_, err := FromGo(struct{}{})
	require.Error(t, err)

	_, err = FromGo(map[any]any{1: "x"})
	require.Error(t, err)
}

func TestToGoRoundTrip(t *testing.T) {
	in := map[string]any{
		"s": "x",
		"n": int64(2),
		"a": []any{true, nil},
	}
	v, err := FromGo(in)
	require.NoError(t, err)
	assert.Equal(t, in, ToGo(v))
}

func TestObjectAccessors(t *testing.T) {
	obj := Object{"s": String("v"), "n": Int(4), "o": Object{}, "z": Null{}}

	s, ok := obj.Str("s")
	assert.True(t, ok)
	assert.Equal(t, "v", s)

	n, ok := obj.Int("n")
	assert.True(t, ok)
	assert.Equal(t, int64(4), n)

	_, ok = obj.Obj("o")
	assert.True(t, ok)

	_, ok = obj.Str("n")
	assert.False(t, ok)

	assert.True(t, obj.Has("z"))
	assert.False(t, obj.Has("missing"))
}

func TestObjectUnmarshalNull(t *testing.T) {
	var holder struct {
		Meta Object `json:"meta"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"meta":null}`), &holder))
	assert.Nil(t, holder.Meta)

	require.NoError(t, json.Unmarshal([]byte(`{"meta":{"a":1}}`), &holder))
	assert.Equal(t, Object{"a": Int(1)}, holder.Meta)
}
