package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point currency value in minor units (hundredths).
// Balances, stakes and payouts never touch floating point.
type Amount int64

// Multiplier is a fixed-point game multiplier in hundredths: 150 is 1.50x.
type Multiplier int64

const (
	// BaseMultiplier is 1.00x.
	BaseMultiplier Multiplier = 100
)

// ParseAmount converts a decimal string ("10", "10.5", "10.50") to minor
// units. Sub-cent precision is rejected rather than rounded; trailing zeros
// past the second fractional digit ("10.500") are accepted.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return fromDecimal(d)
}

// AmountFromFloat converts a JSON number to minor units, rejecting values
// with sub-cent precision.
func AmountFromFloat(f float64) (Amount, error) {
	return fromDecimal(decimal.NewFromFloat(f))
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Mul(decimal.New(100, 0))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-cent precision", d)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d)
	}
	return Amount(minor.IntPart()), nil
}

// String renders the amount with two decimal places.
func (a Amount) String() string {
	return decimal.New(int64(a), -2).StringFixed(2)
}

// Float64 is for JSON payloads only; internal arithmetic stays integral.
func (a Amount) Float64() float64 {
	f, _ := decimal.New(int64(a), -2).Float64()
	return f
}

func (a Amount) IsPositive() bool { return a > 0 }

// MultiplierFromFloat converts a client-supplied multiplier (e.g. auto
// cashout target) to hundredths, rejecting sub-hundredth precision.
func MultiplierFromFloat(f float64) (Multiplier, error) {
	d := decimal.NewFromFloat(f).Mul(decimal.New(100, 0))
	if !d.IsInteger() {
		return 0, fmt.Errorf("multiplier %v has more than two decimal places", f)
	}
	if !d.BigInt().IsInt64() {
		return 0, fmt.Errorf("multiplier %v out of range", f)
	}
	return Multiplier(d.IntPart()), nil
}

// String renders the multiplier as "2.45".
func (m Multiplier) String() string {
	return decimal.New(int64(m), -2).StringFixed(2)
}

// Float64 is for JSON payloads only.
func (m Multiplier) Float64() float64 {
	f, _ := decimal.New(int64(m), -2).Float64()
	return f
}

// Payout computes stake x multiplier, truncating any sub-cent remainder.
func (m Multiplier) Payout(stake Amount) Amount {
	return Amount(int64(stake) * int64(m) / 100)
}
