package domain

import (
	"math"
	"strconv"
)

// BMIEligibilityThreshold is the demo cut-off used for the bmiOk flag.
const BMIEligibilityThreshold = 27.0

// QuarterlyDiscount is applied to the per-period price for quarterly billing.
const QuarterlyDiscount = 0.9

// ComputeBMI returns weight / (height in metres)^2 rounded to one decimal.
// It returns nil when either input is missing or the division is not finite.
func ComputeBMI(heightCm, weightKg *float64) *float64 {
	if heightCm == nil || weightKg == nil {
		return nil
	}
	m := *heightCm / 100
	if m == 0 {
		return nil
	}
	v := *weightKg / (m * m)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	v = roundTo(v, 1)
	return &v
}

// ComputeBMIOk reports whether bmi is present and at or above the threshold.
func ComputeBMIOk(bmi *float64) bool {
	return bmi != nil && *bmi >= BMIEligibilityThreshold
}

// ComputePrice returns the displayed per-period price for a billing cycle.
//
// Quarterly is a discounted monthly-equivalent rate, not a quarter total.
func ComputePrice(basePrice int, cycle BillingCycle) int {
	if cycle != BillingQuarterly {
		return basePrice
	}
	return int(math.RoundToEven(float64(basePrice) * QuarterlyDiscount))
}

// roundTo rounds v to the given number of decimals from its exact binary
// value, half-to-even on exact ties.
func roundTo(v float64, decimals int) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', decimals, 64), 64)
	if err != nil {
		return v
	}
	return r
}
