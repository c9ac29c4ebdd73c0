package hashchain

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeysAtEveryLevel(t *testing.T) {
	v := map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": nil},
		"c": []any{"x", map[string]any{"q": 1, "p": 2}},
	}
	out, err := Canonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":1,"c":["x",{"p":2,"q":1}]}`, string(out))
}

func TestCanonical_Floats(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{50, "50.0"},
		{25.5, "25.5"},
		{0.1, "0.1"},
		{0, "0.0"},
		{math.Copysign(0, -1), "-0.0"},
		{0.0001, "0.0001"},
		{1.5e-05, "1.5e-05"},
		{1e16, "1e+16"},
		{123456789012345678, "1.2345678901234568e+17"},
		{1e100, "1e+100"},
		{-2.75, "-2.75"},
	}
	for _, tc := range cases {
		out, err := Canonical(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(out), "float %v", tc.in)
	}
}

func TestCanonical_RejectsNonFinite(t *testing.T) {
	_, err := Canonical(math.NaN())
	require.ErrorIs(t, err, ErrNotCanonical)
	_, err = Canonical(map[string]any{"t": math.Inf(1)})
	require.ErrorIs(t, err, ErrNotCanonical)
}

func TestCanonical_RejectsUnsupportedTypes(t *testing.T) {
	_, err := Canonical(struct{}{})
	require.ErrorIs(t, err, ErrNotCanonical)
}

func TestCanonical_EscapesLikeASCIIEncoder(t *testing.T) {
	out, err := Canonical("café 𝄞\u007f\n\"\\")
	require.NoError(t, err)
	assert.Equal(t, `"caf\u00e9 \ud834\udd1e\u007f\n\"\\"`, string(out))
}

func TestCanonical_NumbersKeepIntegerLiterals(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"qty": 1000, "ratio": 1.50, "big": 123456789012345678901234567890}`))
	require.NoError(t, err)

	out, err := Canonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"big":123456789012345678901234567890,"qty":1000,"ratio":1.5}`, string(out))
}

func TestCanonical_NegativeZeroInteger(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"a": -0, "b": 0, "c": -0.0}`))
	require.NoError(t, err)
	out, err := Canonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":0,"b":0,"c":-0.0}`, string(out))
}

func TestCanonical_RawMessageIndependentOfKeyOrder(t *testing.T) {
	a, err := Canonical(json.RawMessage(`{"remarks":"ok","score": 2}`))
	require.NoError(t, err)
	b, err := Canonical(json.RawMessage(`{"score":2,"remarks":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject(nil)
	require.NoError(t, err)
	assert.Empty(t, obj)

	_, err = DecodeObject([]byte(`null`))
	require.ErrorIs(t, err, ErrNotCanonical)

	_, err = DecodeObject([]byte(`[1,2]`))
	require.Error(t, err)
}
