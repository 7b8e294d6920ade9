// Package money provides shared NGN parsing, formatting and arithmetic.
//
// NGN uses 2 decimal places. All amounts are handled as big.Int in the
// smallest unit (1 NGN = 100 kobo). Amounts cross package boundaries as
// decimal strings (e.g. "1500.00") so callers never touch float64.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

var scale = big.NewInt(100) // 10^Decimals

// Parse converts a non-negative decimal string (e.g. "1500.50") to its
// smallest-unit big.Int representation (150050). Returns (nil, false) on
// invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}
	return parseAbs(s)
}

// ParseSigned converts a decimal string that may carry a leading minus sign.
// Journal entries are signed: positive = credit, negative = debit.
func ParseSigned(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	v, ok := parseAbs(s)
	if !ok {
		return nil, false
	}
	if neg {
		v.Neg(v)
	}
	return v, true
}

func parseAbs(s string) (*big.Int, bool) {
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 2 decimal places (e.g. "1500.50"). Negative amounts keep their sign.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Neg returns the string form of -amount.
func Neg(amount string) string {
	v, ok := ParseSigned(amount)
	if !ok {
		return amount
	}
	return Format(v.Neg(v))
}

// Add returns a + b as a formatted string. Invalid inputs are treated as zero.
func Add(a, b string) string {
	av, _ := ParseSigned(a)
	bv, _ := ParseSigned(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a - b as a formatted string.
func Sub(a, b string) string {
	return Add(a, Neg(b))
}

// Cmp compares two decimal strings: -1 if a < b, 0 if equal, +1 if a > b.
// Invalid inputs compare as zero.
func Cmp(a, b string) int {
	av, _ := ParseSigned(a)
	bv, _ := ParseSigned(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// IsPositive reports whether the amount parses and is strictly greater
// than zero. This is the standard validation for user-supplied amounts.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Mul multiplies two decimal amounts (e.g. FX units by a kobo price) and
// returns the product as a formatted string, truncated to 2 decimal
// places, never rounded up. Callers validate their inputs first; an
// unparsable operand yields "0.00", matching FeeBps.
func Mul(a, b string) string {
	av, ok := Parse(a)
	if !ok {
		return "0.00"
	}
	bv, ok := Parse(b)
	if !ok {
		return "0.00"
	}
	product := new(big.Int).Mul(av, bv)
	product.Quo(product, scale)
	return Format(product)
}

// FeeBps computes a basis-point fee on amount, truncated to the kobo.
// FeeBps("60000.00", 50) = "300.00".
func FeeBps(amount string, bps int64) string {
	v, ok := Parse(amount)
	if !ok || bps <= 0 {
		return "0.00"
	}
	fee := new(big.Int).Mul(v, big.NewInt(bps))
	fee.Quo(fee, big.NewInt(10_000))
	return Format(fee)
}
