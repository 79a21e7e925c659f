// Package money implements the ledger's monetary value type.
//
// Money wraps an arbitrary-precision decimal together with the precision
// (decimal places) and rounding mode every arithmetic result is re-rounded to.
// The canonical fixed-point text produced by String is the storage and wire
// format of every monetary field.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundMode selects how results are reduced to the configured precision.
type RoundMode int

const (
	// RoundDown truncates toward zero. Default for ledger arithmetic.
	RoundDown RoundMode = iota
	// RoundUp rounds away from zero. Only used when pulling funds into the
	// system from an external gateway so that fees are always covered.
	RoundUp
)

const (
	// DefaultPrecision is the internal ledger precision.
	DefaultPrecision int32 = 10
	// ExternalPrecision is the precision of amounts exchanged with gateways and users.
	ExternalPrecision int32 = 2
)

var ErrDivisionByZero = errors.New("money: division by zero")

// Money is an immutable decimal amount. The zero value is 0 at DefaultPrecision.
type Money struct {
	value     decimal.Decimal
	precision int32
	mode      RoundMode
}

// Zero returns a zero amount with the default precision and mode.
func Zero() Money {
	return Money{precision: DefaultPrecision}
}

// New builds a Money from a decimal, rounded to precision using mode.
// A precision of zero selects DefaultPrecision.
func New(d decimal.Decimal, precision int32, mode RoundMode) Money {
	m := Money{precision: precision, mode: mode}
	m.value = m.round(d)
	return m
}

// FromDecimal builds a Money with the default precision and mode.
func FromDecimal(d decimal.Decimal) Money {
	return New(d, DefaultPrecision, RoundDown)
}

// Parse reads a decimal string with the default precision and mode.
func Parse(s string) (Money, error) {
	return ParseWith(s, DefaultPrecision, RoundDown)
}

// ParseWith reads a decimal string and rounds it to the given precision and mode.
func ParseWith(s string, precision int32, mode RoundMode) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return New(d, precision, mode), nil
}

// MustParse is Parse that panics on malformed input. Intended for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Precision returns the number of decimal places kept by m.
func (m Money) Precision() int32 { return m.places() }

func (m Money) places() int32 {
	if m.precision <= 0 {
		return DefaultPrecision
	}
	return m.precision
}

// Mode returns the rounding mode of m.
func (m Money) Mode() RoundMode { return m.mode }

// Decimal returns the rounded underlying value.
func (m Money) Decimal() decimal.Decimal { return m.value }

// WithPrecision re-rounds m to a new precision and mode.
func (m Money) WithPrecision(precision int32, mode RoundMode) Money {
	return New(m.value, precision, mode)
}

func (m Money) round(d decimal.Decimal) decimal.Decimal {
	if m.mode == RoundUp {
		return d.RoundUp(m.places())
	}
	return d.RoundDown(m.places())
}

func (m Money) derive(d decimal.Decimal) Money {
	return Money{value: m.round(d), precision: m.precision, mode: m.mode}
}

// Add returns m + o in m's precision and mode.
func (m Money) Add(o Money) Money { return m.derive(m.value.Add(o.value)) }

// Sub returns m - o in m's precision and mode.
func (m Money) Sub(o Money) Money { return m.derive(m.value.Sub(o.value)) }

// Mul returns m * o in m's precision and mode.
func (m Money) Mul(o Money) Money { return m.derive(m.value.Mul(o.value)) }

// Div returns m / o in m's precision and mode.
func (m Money) Div(o Money) (Money, error) {
	if o.value.IsZero() {
		return Money{}, ErrDivisionByZero
	}
	// QuoRem truncates the quotient at the requested precision, which is
	// exactly RoundDown; RoundUp bumps any non-zero remainder away from zero.
	q, r := m.value.QuoRem(o.value, m.places())
	if m.mode == RoundUp && !r.IsZero() {
		ulp := decimal.New(1, -m.places())
		if q.Sign() < 0 || (q.IsZero() && m.value.Sign()*o.value.Sign() < 0) {
			q = q.Sub(ulp)
		} else {
			q = q.Add(ulp)
		}
	}
	return Money{value: q, precision: m.precision, mode: m.mode}, nil
}

// Neg returns -m.
func (m Money) Neg() Money { return m.derive(m.value.Neg()) }

// Abs returns |m|.
func (m Money) Abs() Money { return m.derive(m.value.Abs()) }

// Cmp compares m and o after rounding o to m's precision and mode.
func (m Money) Cmp(o Money) int { return m.value.Cmp(m.round(o.value)) }

// Equal reports whether m and o compare equal.
func (m Money) Equal(o Money) bool { return m.Cmp(o) == 0 }

func (m Money) LessThan(o Money) bool       { return m.Cmp(o) < 0 }
func (m Money) GreaterThan(o Money) bool    { return m.Cmp(o) > 0 }
func (m Money) GreaterOrEqual(o Money) bool { return m.Cmp(o) >= 0 }

// IsZero reports whether the rounded value is zero.
func (m Money) IsZero() bool { return m.value.IsZero() }

// IsNegative reports whether the rounded value is strictly below zero.
// A value that rounds to zero is never negative.
func (m Money) IsNegative() bool { return m.value.Sign() < 0 }

// IsPositive reports whether the rounded value is strictly above zero.
func (m Money) IsPositive() bool { return m.value.Sign() > 0 }

// Max returns the larger of m and o, in m's precision.
func (m Money) Max(o Money) Money {
	if m.Cmp(o) >= 0 {
		return m
	}
	return m.derive(o.value)
}

// Min returns the smaller of m and o, in m's precision.
func (m Money) Min(o Money) Money {
	if m.Cmp(o) <= 0 {
		return m
	}
	return m.derive(o.value)
}

// String renders fixed-point text with exactly Precision digits.
func (m Money) String() string {
	return m.value.StringFixed(m.places())
}

// Sum adds amounts using the precision and mode of the first argument.
func Sum(amounts ...Money) Money {
	if len(amounts) == 0 {
		return Zero()
	}
	total := amounts[0]
	for _, a := range amounts[1:] {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON encodes m as its canonical string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*m = Zero()
		return nil
	}
	parsed, err := ParseWith(s, m.places(), m.mode)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer; the column holds the canonical text.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*m = Zero()
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case float64:
		*m = FromDecimal(decimal.NewFromFloat(v))
		return nil
	case int64:
		*m = FromDecimal(decimal.NewFromInt(v))
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
