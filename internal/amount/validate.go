package amount

import "regexp"

// Reason identifies why a submitted amount was rejected. Rules run in a fixed
// order and stop at the first failure.
type Reason string

const (
	ReasonEmpty           Reason = "empty"
	ReasonNotNumeric      Reason = "not_numeric"
	ReasonNotPositive     Reason = "not_positive"
	ReasonTooManyDecimals Reason = "too_many_decimals"
	ReasonExceedsBalance  Reason = "exceeds_balance"
)

// ValidationError carries the first failed rule for a rejected input.
type ValidationError struct {
	Input  string
	Reason Reason
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonEmpty:
		return "amount is empty"
	case ReasonNotNumeric:
		return "amount is not a number"
	case ReasonNotPositive:
		return "amount must be greater than zero"
	case ReasonTooManyDecimals:
		return "amount has too many decimal places"
	case ReasonExceedsBalance:
		return "amount exceeds available balance"
	}
	return "invalid amount"
}

var numericRe = regexp.MustCompile(`^-?(\d+(\.\d*)?|\.\d+)$`)

// Validate checks a raw user-entered amount against format, precision and the
// caller's cached balance. It is pure: no balances are fetched here, and a
// rejected input never reaches the chain. Inputs exactly equal to the balance
// pass; only strictly greater amounts are rejected.
func Validate(raw string, decimals uint8, available Amount) (Amount, *ValidationError) {
	if raw == "" {
		return Amount{}, &ValidationError{Input: raw, Reason: ReasonEmpty}
	}
	if !numericRe.MatchString(raw) {
		return Amount{}, &ValidationError{Input: raw, Reason: ReasonNotNumeric}
	}
	if raw[0] == '-' || allZero(raw) {
		return Amount{}, &ValidationError{Input: raw, Reason: ReasonNotPositive}
	}
	if fracDigits(raw) > int(decimals) {
		return Amount{}, &ValidationError{Input: raw, Reason: ReasonTooManyDecimals}
	}

	parsed, err := Parse(raw, decimals)
	if err != nil {
		// Every earlier rule passed, so this only trips on inputs like ".5"
		// that Parse is stricter about.
		return Amount{}, &ValidationError{Input: raw, Reason: ReasonNotNumeric}
	}
	if parsed.Cmp(available) > 0 {
		return Amount{}, &ValidationError{Input: raw, Reason: ReasonExceedsBalance}
	}
	return parsed, nil
}

func fracDigits(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return len(s) - i - 1
		}
	}
	return 0
}

func allZero(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= '1' && s[i] <= '9' {
			return false
		}
	}
	return true
}
