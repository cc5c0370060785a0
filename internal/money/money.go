// Package money provides the fixed-point decimal type used everywhere a
// monetary or VAT-rate quantity crosses a component boundary. Floating
// point is never used for these values; shopspring/decimal backs every
// computation and every on-the-wire (JSON) representation.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// D is the fixed-point decimal used for all monetary quantities and VAT
// fractions. Two fractional digits is the canonical scale for money; VAT
// fractions and intermediate products may carry more precision until the
// final rounding step.
type D = decimal.Decimal

// Scale is the number of fractional digits a posted monetary amount is
// rounded to.
const Scale = 2

// Zero is the additive identity.
func Zero() D { return decimal.Zero }

// FromInt builds a whole-unit amount, e.g. FromInt(100) == 100.00.
func FromInt(v int64) D { return decimal.NewFromInt(v) }

// Parse reads a decimal literal such as "1176.00". It never accepts
// scientific notation silently producing a float; shopspring/decimal
// parses the string directly into an arbitrary-precision decimal.
func Parse(s string) (D, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero(), fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals the caller knows are well formed
// (policy/catalog fixtures, test tables).
func MustParse(s string) D {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Round2 applies banker's rounding (round-half-to-even) to two fractional
// digits, the only rounding rule the rule engine is allowed to use and
// only at the final step of a computation (spec: VAT formulas round at
// the final step only).
func Round2(d D) D {
	return d.RoundBank(Scale)
}

// Equal compares two decimals for exact value equality (not representation
// equality — "100.0" and "100.00" are Equal).
func Equal(a, b D) bool {
	return a.Equal(b)
}

// Abs returns the absolute value.
func Abs(d D) D { return d.Abs() }

// Sum adds a slice of decimals.
func Sum(ds []D) D {
	total := Zero()
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}
