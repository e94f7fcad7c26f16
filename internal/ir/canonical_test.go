package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"max int64", IRInt(9223372036854775807), "9223372036854775807"},
		{"bool true", IRBool(true), "true"},
		{"null", IRNull{}, "null"},
		{"nil", nil, "null"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"array of ints", IRArray{IRInt(1), IRInt(2), IRInt(3)}, "[1,2,3]"},
		{"simple object", IRObject{"a": IRInt(1)}, `{"a":1}`},
		{"null member", IRObject{"a": IRNull{}}, `{"a":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := IRObject{
		"z": IRObject{
			"b": IRInt(1),
			"a": IRInt(2),
		},
		"a": IRInt(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts
	// before U+E000 in UTF-16 but after it in UTF-8.
	obj := IRObject{
		"\uE000":     IRInt(1),
		"\U00010000": IRInt(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(IRString("<a href=\"x\">&</a>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a href=\"x\">&</a>"`, string(result))
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"ratio": 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed U+00E9.
	decomposed, err := MarshalCanonical(IRString("e\u0301"))
	require.NoError(t, err)
	composed, err := MarshalCanonical(IRString("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"a\"b", `"a\"b"`},
		{"a\\b", `"a\\b"`},
		{"line\nbreak", `"line\nbreak"`},
		{"tab\t", `"tab\t"`},
		{"\x01", `"\u0001"`},
		{"\u2028", "\"\u2028\""},
	}
	for _, tt := range tests {
		result, err := MarshalCanonical(IRString(tt.in))
		require.NoError(t, err)
		assert.Equal(t, tt.out, string(result), "input %q", tt.in)
	}
}

func TestMarshalCanonicalWithGoTypes(t *testing.T) {
	result, err := MarshalCanonical(map[string]any{
		"b": []any{int64(1), "x", true, nil},
		"a": []string{"p", "q"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["p","q"],"b":[1,"x",true,null]}`, string(result))
}

func FuzzMarshalCanonicalIdempotent(f *testing.F) {
	f.Add("hello", int64(1))
	f.Add("e\u0301", int64(-7))
	f.Add("\u2028<&>", int64(0))

	f.Fuzz(func(t *testing.T, s string, n int64) {
		obj := IRObject{"s": IRString(s), "n": IRInt(n), s: IRBool(true)}
		first, err := MarshalCanonical(obj)
		if err != nil {
			t.Fatal(err)
		}
		second, err := MarshalCanonical(obj)
		if err != nil {
			t.Fatal(err)
		}
		if string(first) != string(second) {
			t.Fatalf("non-deterministic output: %s vs %s", first, second)
		}
	})
}
