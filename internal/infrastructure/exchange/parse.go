package exchange

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal reads a venue price/qty string; malformed or empty input is zero.
func ParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
