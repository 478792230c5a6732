package common

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const DefaultDecimals = 9

var symbolDecimals = map[string]uint8{
	"SOL":   9,
	"USDC":  6,
	"USDT":  6,
	"MEZON": 9,
}

// DecimalsFor returns the number of fractional digits of symbol.
func DecimalsFor(symbol string) uint8 {
	if d, ok := symbolDecimals[strings.ToUpper(symbol)]; ok {
		return d
	}
	return DefaultDecimals
}

// ParseAmount converts a decimal string such as "1.5" into base units.
// It rejects negative numbers, exponents and more fractional digits than decimals.
func ParseAmount(s string, decimals uint8) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && frac == "" {
		return nil, fmt.Errorf("amount %q has trailing dot", s)
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (hasDot && !isDigits(frac)) {
		return nil, fmt.Errorf("amount %q is not a decimal number", s)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", s, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("amount %q out of range: %w", s, err)
	}
	return v, nil
}

// FormatAmount is the inverse of ParseAmount; trailing fractional zeros are dropped.
func FormatAmount(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	digits := v.Dec()
	if decimals == 0 {
		return digits
	}
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
