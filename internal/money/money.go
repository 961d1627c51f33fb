// Package money renders integer minor units for display.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// exponents lists ISO 4217 currencies whose minor unit is not 1/100.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "JPY": 0, "KRW": 0, "RWF": 0, "UGX": 0, "XAF": 0, "XOF": 0,
	"BHD": 3, "JOD": 3, "KWD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if e, ok := exponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// Decimal converts minor units to a major-unit decimal.
func Decimal(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// Format renders minor units as a fixed-point major-unit string, e.g. 1050 NGN -> "10.50".
func Format(minor int64, currency string) string {
	return Decimal(minor, currency).StringFixed(Exponent(currency))
}

// ParseMinor converts a major-unit string into minor units. Fractions finer
// than the currency's minor unit are rejected.
func ParseMinor(major, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(major))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", major, err)
	}
	scaled := d.Shift(Exponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", major, currency)
	}
	if scaled.Abs().GreaterThan(decimal.New(1, 18)) {
		return 0, fmt.Errorf("amount %s out of range", major)
	}
	return scaled.IntPart(), nil
}
