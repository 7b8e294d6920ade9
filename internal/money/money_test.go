package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one naira", "1.00", 100},
		{"fifty kobo", "0.50", 50},
		{"thousand", "1000", 100_000},
		{"smallest unit", "0.01", 1},
		{"no frac", "1500", 150_000},
		{"short frac", "1.5", 150},
		{"long frac truncated", "1.239", 123},
		{"large amount", "99999999.99", 9_999_999_999},
		{"leading zeros", "007.50", 750},
		{"empty is zero", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"-1.00", "1.2.3", "abc", "1,000"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) = ok, want invalid", input)
		}
	}
}

func TestParseSigned(t *testing.T) {
	v, ok := ParseSigned("-600.00")
	if !ok {
		t.Fatal("ParseSigned returned ok=false")
	}
	if v.Int64() != -60_000 {
		t.Errorf("ParseSigned(-600.00) = %d, want -60000", v.Int64())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{100, "1.00"},
		{1, "0.01"},
		{0, "0.00"},
		{150_050, "1500.50"},
		{-60_000, "-600.00"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.input)); got != tt.expected {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %q, want 0.00", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "1.50", "100000.00", "99999999.99"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestArithmetic(t *testing.T) {
	if got := Add("100.00", "-30.50"); got != "69.50" {
		t.Errorf("Add = %q, want 69.50", got)
	}
	if got := Sub("100.00", "100.00"); got != "0.00" {
		t.Errorf("Sub = %q, want 0.00", got)
	}
	if Cmp("1.00", "0.99") != 1 || Cmp("1.00", "1.00") != 0 || Cmp("0.50", "1.00") != -1 {
		t.Error("Cmp ordering wrong")
	}
}

func TestMul(t *testing.T) {
	// 60 FX units at 1000.00 NGN each
	if got := Mul("60.00", "1000.00"); got != "60000.00" {
		t.Errorf("Mul(60, 1000) = %q, want 60000.00", got)
	}
	// Fractional price, result truncated to the kobo
	if got := Mul("3.00", "0.333"); got != "0.99" {
		t.Errorf("Mul(3, 0.333) = %q, want 0.99", got)
	}
	// Unparsable operands collapse to zero, like FeeBps.
	if got := Mul("sixty", "1000.00"); got != "0.00" {
		t.Errorf("Mul(bad, 1000) = %q, want 0.00", got)
	}
}

func TestFeeBps(t *testing.T) {
	if got := FeeBps("60000.00", 50); got != "300.00" {
		t.Errorf("FeeBps(60000, 50) = %q, want 300.00", got)
	}
	if got := FeeBps("0.03", 50); got != "0.00" {
		t.Errorf("FeeBps truncation = %q, want 0.00", got)
	}
	if got := FeeBps("100.00", 0); got != "0.00" {
		t.Errorf("FeeBps zero bps = %q, want 0.00", got)
	}
}

func TestIsPositive(t *testing.T) {
	if !IsPositive("0.01") {
		t.Error("0.01 should be positive")
	}
	if IsPositive("0.00") || IsPositive("-1.00") || IsPositive("x") {
		t.Error("zero/negative/garbage should not be positive")
	}
}
