package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyStringIsFixedPoint(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		precision int32
		mode      RoundMode
		want      string
	}{
		{"default precision", "10", DefaultPrecision, RoundDown, "10.0000000000"},
		{"external precision", "10.5", ExternalPrecision, RoundDown, "10.50"},
		{"truncate toward zero", "1.239", ExternalPrecision, RoundDown, "1.23"},
		{"negative truncates toward zero", "-1.239", ExternalPrecision, RoundDown, "-1.23"},
		{"round up away from zero", "1.231", ExternalPrecision, RoundUp, "1.24"},
		{"round up exact", "1.23", ExternalPrecision, RoundUp, "1.23"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseWith(tt.in, tt.precision, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.String())
		})
	}
}

func TestMoneyArithmeticUsesReceiverPrecision(t *testing.T) {
	ext, err := ParseWith("10.00", ExternalPrecision, RoundDown)
	require.NoError(t, err)
	fine := MustParse("0.0099999999")

	assert.Equal(t, "10.00", ext.Add(fine).String())
	assert.Equal(t, "10.0099999999", fine.Add(ext).String())
	assert.Equal(t, "9.99", ext.Sub(fine).String())
}

func TestMoneyDivide(t *testing.T) {
	ten, _ := ParseWith("10", ExternalPrecision, RoundDown)
	three, _ := ParseWith("3", ExternalPrecision, RoundDown)

	q, err := ten.Div(three)
	require.NoError(t, err)
	assert.Equal(t, "3.33", q.String())

	up := ten.WithPrecision(ExternalPrecision, RoundUp)
	q, err = up.Div(three)
	require.NoError(t, err)
	assert.Equal(t, "3.34", q.String())

	q, err = up.Neg().Div(three)
	require.NoError(t, err)
	assert.Equal(t, "-3.34", q.String())

	_, err = ten.Div(Zero())
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestMoneySignPredicates(t *testing.T) {
	tiny := New(decimal.RequireFromString("-0.001"), ExternalPrecision, RoundDown)
	assert.True(t, tiny.IsZero())
	assert.False(t, tiny.IsNegative(), "rounded zero is non-negative")

	neg := MustParse("-5")
	assert.True(t, neg.IsNegative())
	assert.Equal(t, "5.0000000000", neg.Abs().String())
	assert.Equal(t, "5.0000000000", neg.Neg().String())
	assert.True(t, neg.LessThan(Zero()))
}

func TestMoneyZeroValueUsesDefaultPrecision(t *testing.T) {
	var m Money
	assert.Equal(t, "0.0000000000", m.String())
	assert.Equal(t, "1.5000000000", m.Add(MustParse("1.5")).String())
}

func TestMoneyRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1.5", "-20.0000000001", "123456789012345678901234567890.25"} {
		m := MustParse(s)
		back, err := Parse(m.String())
		require.NoError(t, err)
		assert.Equal(t, 0, back.Cmp(m), s)
	}
}

func TestMoneyJSONAndSQL(t *testing.T) {
	m := MustParse("42.1")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `"42.1000000000"`, string(data))

	var decoded Money
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(m))

	v, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, "42.1000000000", v)

	var scanned Money
	require.NoError(t, scanned.Scan([]byte("42.1")))
	assert.True(t, scanned.Equal(m))
	assert.Error(t, scanned.Scan(struct{}{}))
}

func TestSum(t *testing.T) {
	assert.True(t, Sum().IsZero())
	total := Sum(MustParse("1.25"), MustParse("2.75"), MustParse("-1"))
	assert.Equal(t, "3.0000000000", total.String())
}
