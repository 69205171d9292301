package field

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "bad literal %s", s)
	return v
}

func TestCorrectWraparound(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"0", "0"},
		{"42", "42"},
		{"170141183460469231731687303715884105728", "170141183460469231731687303715884105728"}, // cutoff stays positive
		{"170141183460469231731687303715884105729", "-170141183460469231215178469652016660480"},
		{"340282366920938462946865773367900766208", "-1"},
		{"340282366920938462946865773367900766198", "-11"},
		{"340282366920938462946865773367900766210", "1"},
	}

	for _, tt := range tests {
		got := CorrectWraparound(bigInt(t, tt.raw))
		assert.Equal(t, tt.want, got.String(), "raw %s", tt.raw)
	}
}

func TestCorrectWraparoundRange(t *testing.T) {
	half := new(big.Int).Rsh(Modulus(), 1)
	negHalf := new(big.Int).Neg(half)

	samples := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		Cutoff(),
		new(big.Int).Add(Cutoff(), big.NewInt(1)),
		new(big.Int).Sub(Modulus(), big.NewInt(1)),
	}
	for _, raw := range samples {
		got := CorrectWraparound(raw)
		if raw.Cmp(Cutoff()) <= 0 {
			assert.Zero(t, got.Cmp(raw), "values at or below cutoff are unchanged")
		} else {
			assert.Zero(t, got.Cmp(new(big.Int).Sub(raw, Modulus())))
			assert.Negative(t, got.Sign())
			assert.Positive(t, got.Cmp(negHalf), "corrected %s must exceed -p/2", got)
		}
	}
}

func TestCorrectWraparoundDoesNotMutateInput(t *testing.T) {
	raw := bigInt(t, "340282366920938462946865773367900766208")
	before := raw.String()
	_ = CorrectWraparound(raw)
	assert.Equal(t, before, raw.String())
}

func TestParseVector(t *testing.T) {
	v, err := ParseVector("5,3, 6,0, 8")
	require.NoError(t, err)
	got, err := v.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 3, 6, 0, 8}, got)

	v, err = ParseVector(" [50, 11, 22, 33] ")
	require.NoError(t, err)
	got, err = v.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{50, 11, 22, 33}, got)

	v, err = ParseVector("1, 340282366920938462946865773367900766208")
	require.NoError(t, err)
	got, err = v.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -1}, got)

	v, err = ParseVector("[]")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestParseVectorIsIdempotent(t *testing.T) {
	text := "7, 340282366920938462946865773367900766200, 0"
	a, err := ParseVector(text)
	require.NoError(t, err)
	b, err := ParseVector(text)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParseVectorMalformed(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"1,,2",
		"1, 2,",
		"1, -2",
		"1, two",
		"[1, 2",
		"1.5",
		"0x10",
	} {
		_, err := ParseVector(text)
		var malformed *MalformedVectorError
		require.Error(t, err, "text %q", text)
		assert.True(t, errors.As(err, &malformed), "text %q", text)
	}
}

func TestVectorInt64(t *testing.T) {
	v := Vector{big.NewInt(3), Cutoff()}

	n, err := v.Int64(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = v.Int64(1)
	assert.Error(t, err, "2^127 does not fit in int64")

	_, err = v.Int64(2)
	assert.Error(t, err)

	_, ok := v.Get(-1)
	assert.False(t, ok)
}
