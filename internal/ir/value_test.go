package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Float(1.5)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}

	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestObjectSortedKeysRFC8785Order(t *testing.T) {
	obj := Object{
		"a":  Int(1),
		"A":  Int(2),
		"aa": Int(3),
		"aA": Int(4),
		"Aa": Int(5),
		"AA": Int(6),
	}

	// 'A' = 65, 'a' = 97
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestCompareKeysRFC8785_SupplementaryPlane(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FF61
	// in UTF-16 even though the UTF-8 bytes sort after.
	emoji := "\U0001F600"
	halfwidth := "｡"

	assert.Less(t, compareKeysRFC8785(emoji, halfwidth), 0)
	assert.Greater(t, emoji, halfwidth, "UTF-8 byte order disagrees")
}

func TestDecodeValue_Numbers(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Value
	}{
		{"int", `42`, Int(42)},
		{"negative", `-7`, Int(-7)},
		{"float", `9.99`, Float(9.99)},
		{"exponent", `1e3`, Float(1000)},
		{"null", `null`, Null{}},
		{"string", `"x"`, String("x")},
		{"bool", `true`, Bool(true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecodeObject_Nested(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"title":"Post","tags":["a","b"],"stats":{"views":3}}`))
	require.NoError(t, err)

	assert.Equal(t, String("Post"), obj["title"])
	assert.Equal(t, Array{String("a"), String("b")}, obj["tags"])
	assert.Equal(t, Object{"views": Int(3)}, obj["stats"])
}

func TestDecodeObject_RejectsNonObject(t *testing.T) {
	_, err := DecodeObject([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestFromAny_YAMLShapes(t *testing.T) {
	got, err := FromAny(map[string]any{
		"count": 3,
		"ratio": 0.5,
		"whole": 2.0,
		"nil":   nil,
		"list":  []any{"a", true},
	})
	require.NoError(t, err)

	assert.Equal(t, Object{
		"count": Int(3),
		"ratio": Float(0.5),
		"whole": Int(2),
		"nil":   Null{},
		"list":  Array{String("a"), Bool(true)},
	}, got)
}

func TestFromAny_Unsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	require.Error(t, err)
}

func TestToAny_RoundTrip(t *testing.T) {
	original := Object{
		"s": String("x"),
		"n": Int(1),
		"f": Float(1.25),
		"a": Array{Bool(false), Null{}},
	}

	back, err := FromAny(ToAny(original))
	require.NoError(t, err)
	assert.True(t, Equal(original, back))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(1), Int(1)))
	assert.False(t, Equal(Int(1), Float(1)))
	assert.True(t, Equal(Object{"a": Array{Int(1)}}, Object{"a": Array{Int(1)}}))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"b": Int(1)}))
	assert.False(t, Equal(Array{Int(1)}, Array{Int(1), Int(2)}))
	assert.True(t, Equal(nil, nil))
	assert.True(t, Equal(Null{}, Null{}))
}

func TestObjectClone_IsDeep(t *testing.T) {
	original := Object{"tags": Array{String("a")}, "nested": Object{"k": Int(1)}}
	clone := original.Clone()

	clone["tags"].(Array)[0] = String("changed")
	clone["nested"].(Object)["k"] = Int(2)

	assert.Equal(t, String("a"), original["tags"].(Array)[0])
	assert.Equal(t, Int(1), original["nested"].(Object)["k"])
	assert.Nil(t, Object(nil).Clone())
}

func TestObjectMarshalJSON_SortedKeys(t *testing.T) {
	data, err := json.Marshal(Object{"b": Int(1), "a": Float(0.5), "c": Null{}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":0.5,"b":1,"c":null}`, string(data))
}

func TestObjectUnmarshalJSON(t *testing.T) {
	var obj Object
	require.NoError(t, json.Unmarshal([]byte(`{"a":1,"b":[true]}`), &obj))
	assert.Equal(t, Object{"a": Int(1), "b": Array{Bool(true)}}, obj)
}
