// Package money provides the decimal helpers used for token amounts and
// settlement-currency values.
//
// Token amounts carry 6 decimal places, settlement-currency values carry 2.
// All arithmetic is done on shopspring/decimal values; conversion to and
// from on-chain base units happens only at the chain boundary.
package money

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	TokenPlaces int32 = 6
	FiatPlaces  int32 = 2
)

// Parse converts a decimal string (e.g. "15.50") into a decimal.
// Rules:
//   - Empty and malformed strings are rejected
//   - Negative values are rejected
//   - More than TokenPlaces fractional digits are rejected, never truncated
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	if d.Exponent() < -TokenPlaces && !d.Equal(d.Truncate(TokenPlaces)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", s, TokenPlaces)
	}
	return d, nil
}

// ParsePositive is Parse plus a strictly-greater-than-zero check.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be greater than zero")
	}
	return d, nil
}

// Token normalises a token amount to TokenPlaces, rounding half away from zero.
func Token(d decimal.Decimal) decimal.Decimal {
	return d.Round(TokenPlaces)
}

// Fiat normalises a settlement-currency value to FiatPlaces.
func Fiat(d decimal.Decimal) decimal.Decimal {
	return d.Round(FiatPlaces)
}

// FormatToken renders a token amount with exactly TokenPlaces decimals.
func FormatToken(d decimal.Decimal) string {
	return d.StringFixed(TokenPlaces)
}

// FormatFiat renders a settlement-currency value with exactly FiatPlaces decimals.
func FormatFiat(d decimal.Decimal) string {
	return d.StringFixed(FiatPlaces)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Value is amount × price in the settlement currency.
func Value(amount, price decimal.Decimal) decimal.Decimal {
	return Fiat(amount.Mul(price))
}

// ToBaseUnits converts a token amount to the integer base units used on-chain
// (e.g. 1.5 with 6 decimals becomes 1500000). Sub-unit dust is truncated.
func ToBaseUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
