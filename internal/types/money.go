// README: Common money value object used across modules.
package types

import "math"

// Money is stored in minor units (paise for INR).
type Money struct {
	Amount   int64
	Currency string
}

func MoneyFromMajor(v float64, currency string) Money {
	return Money{Amount: int64(math.Round(v * 100)), Currency: currency}
}

func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}
