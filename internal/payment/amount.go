package payment

import (
	"errors"
	"math"
)

// ToMinorUnits converts a major-unit amount (rupees) into integer minor units
// (paise), rounding half up. Negative and non-finite amounts are rejected;
// providers only accept positive integer paise.
func ToMinorUnits(amount float64) (int64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, errors.New("payment: amount is not a finite number")
	}
	if amount < 0 {
		return 0, errors.New("payment: amount must not be negative")
	}
	// The epsilon absorbs float representation error so .005 boundaries round up.
	return int64(math.Floor(amount*100 + 0.5 + 1e-9)), nil
}
