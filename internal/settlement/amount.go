package settlement

import (
	"fmt"
	"math"
)

// MinorUnits converts a decimal amount in major units (12.5) to minor
// units (1250), rounding half away from zero.
func MinorUnits(major float64) int64 {
	return int64(math.Round(major * 100))
}

// MajorUnits converts minor units back to a decimal amount.
func MajorUnits(minor int64) float64 {
	return float64(minor) / 100
}

// FormatAmount renders minor units as "12.50 USD".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	s := fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
	if currency == "" {
		return s
	}
	return s + " " + currency
}
