package amount

import (
	"fmt"
	"math/big"
	"strings"
)

// Token amounts never leave base units internally; decimal strings exist only
// at the input/display edges.
const (
	TokenDecimals  uint8 = 6
	NativeDecimals uint8 = 18
)

// Amount is a fixed-decimal token quantity held as integer base units.
type Amount struct {
	units    *big.Int
	decimals uint8
}

// FormatError reports why a decimal string could not be parsed.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Input, e.Reason)
}

func formatErr(input, reason string) *FormatError {
	return &FormatError{Input: input, Reason: reason}
}

// Zero returns a zero amount with the given precision.
func Zero(decimals uint8) Amount {
	return Amount{units: new(big.Int), decimals: decimals}
}

// FromUnits wraps raw base units. A nil value is treated as zero.
func FromUnits(units *big.Int, decimals uint8) Amount {
	if units == nil {
		return Zero(decimals)
	}
	return Amount{units: new(big.Int).Set(units), decimals: decimals}
}

// Parse converts a human decimal string to base units. It fails when the
// string is empty, not a plain decimal number, negative, or carries more
// fractional digits than the precision permits.
func Parse(s string, decimals uint8) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, formatErr(s, "empty")
	}
	if strings.HasPrefix(trimmed, "-") {
		return Amount{}, formatErr(s, "negative")
	}

	intPart := trimmed
	fracPart := ""
	if dot := strings.IndexByte(trimmed, '.'); dot >= 0 {
		intPart = trimmed[:dot]
		fracPart = trimmed[dot+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return Amount{}, formatErr(s, "not a number")
		}
	}
	if intPart == "" && fracPart == "" {
		return Amount{}, formatErr(s, "not a number")
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return Amount{}, formatErr(s, "not a number")
	}
	if len(fracPart) > int(decimals) {
		return Amount{}, formatErr(s, fmt.Sprintf("more than %d decimal places", decimals))
	}

	// Scale the fractional part up to full precision before joining.
	fracPart += strings.Repeat("0", int(decimals)-len(fracPart))
	digits := intPart + fracPart
	if digits == "" {
		digits = "0"
	}

	units, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Amount{}, formatErr(s, "not a number")
	}
	return Amount{units: units, decimals: decimals}, nil
}

// MustParse panics on a malformed literal. For constants and tests only.
func MustParse(s string, decimals uint8) Amount {
	a, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Units returns a copy of the base-unit integer.
func (a Amount) Units() *big.Int {
	if a.units == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.units)
}

func (a Amount) Decimals() uint8 { return a.decimals }

func (a Amount) IsZero() bool {
	return a.units == nil || a.units.Sign() == 0
}

// Cmp compares base units; both amounts must carry the same precision.
func (a Amount) Cmp(b Amount) int {
	return a.Units().Cmp(b.Units())
}

// String renders the canonical decimal form with trailing fractional zeros
// removed ("100", "0.5").
func (a Amount) String() string {
	return a.Truncated(a.decimals)
}

// Truncated renders with at most places fractional digits, truncating rather
// than rounding. Display only; never feed the result back into arithmetic.
func (a Amount) Truncated(places uint8) string {
	if places > a.decimals {
		places = a.decimals
	}
	units := a.Units().String()
	d := int(a.decimals)
	if len(units) <= d {
		units = strings.Repeat("0", d-len(units)+1) + units
	}
	intPart := units[:len(units)-d]
	fracPart := units[len(units)-d:][:places]
	fracPart = strings.TrimRight(fracPart, "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
