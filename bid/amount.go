package bid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// amountPattern admits unsigned plain decimals only: no sign, no exponent,
// no grouping.
var amountPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// Parse validates a wire-format monetary amount. The value must be a plain
// unsigned decimal, strictly positive, and representable in two fractional
// digits.
func Parse(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if !amountPattern.MatchString(trimmed) {
		return decimal.Decimal{}, fmt.Errorf("amount %q is not a plain unsigned decimal", trimmed)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse amount: %w", err)
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("amount %q must be positive", trimmed)
	}
	if !value.Equal(value.Round(2)) {
		return decimal.Decimal{}, fmt.Errorf("amount %q exceeds two fractional digits", trimmed)
	}
	return value, nil
}

// Canonical renders a validated amount in the fixed two-digit form stored in
// the database and compared for uniqueness.
func Canonical(value decimal.Decimal) string {
	return value.StringFixed(2)
}
