package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

// DefaultDecimals is the precision of every cover protocol token (NPM,
// stablecoin and cxTokens).
const DefaultDecimals = 18

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// IsValidNumber reports whether v is a non-negative decimal string.
func IsValidNumber(v string) bool {
	return decimalPattern.MatchString(strings.TrimSpace(v))
}

// ParseUnits converts a decimal string into base units.
func ParseUnits(decimal string, decimals int) (*big.Int, error) {
	decimal = strings.TrimSpace(decimal)
	if decimal == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(decimal) {
		return nil, clierr.New(clierr.CodeUsage, "amount must be in decimal form like 1.23")
	}
	base, err := decimalToBaseUnits(decimal, decimals)
	if err != nil {
		return nil, err
	}
	out, ok := new(big.Int).SetString(base, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return out, nil
}

// FormatUnits converts base units back into a trimmed decimal string.
func FormatUnits(baseUnits *big.Int, decimals int) string {
	if baseUnits == nil {
		return "0"
	}
	return formatDecimal(baseUnits.String(), decimals)
}

func formatDecimal(baseUnits string, decimals int) string {
	n := new(big.Int)
	n.SetString(baseUnits, 10)
	if decimals == 0 {
		return n.String()
	}

	s := n.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= decimals {
		pad := strings.Repeat("0", decimals-len(s)+1)
		s = pad + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := s[len(s)-decimals:]
	fracPart = strings.TrimRight(fracPart, "0")
	out := intPart
	if fracPart != "" {
		out = intPart + "." + fracPart
	}
	if neg {
		return "-" + out
	}
	return out
}

func decimalToBaseUnits(decimal string, decimals int) (string, error) {
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		trimmed := strings.TrimRight(fracPart, "0")
		if len(trimmed) > decimals {
			return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
		}
		fracPart = trimmed
	}

	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "0", nil
	}
	return combined, nil
}
