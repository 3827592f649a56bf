package adapter

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Native encodings, expressed as the number of decimal places between the
// venue's integer unit and a [0,1] probability or a whole currency unit.
const (
	PlacesUnit  int32 = 0  // already a decimal probability
	PlacesCents int32 = 2  // Kalshi
	PlacesUSDC  int32 = 6  // Polymarket collateral
	PlacesWei   int32 = 18 // Predict.fun amounts and prices
)

var (
	decZero = decimal.Zero
	decOne  = decimal.NewFromInt(1)
)

// FromNative converts a native value to the shared decimal representation.
func FromNative(v decimal.Decimal, places int32) decimal.Decimal {
	return v.Shift(-places)
}

// ToNative converts a shared decimal back to the venue's integer unit,
// rounding to the nearest representable native value. Decimal-string venues
// (PlacesUnit) are returned unchanged.
func ToNative(p decimal.Decimal, places int32) decimal.Decimal {
	if places == PlacesUnit {
		return p
	}
	return p.Shift(places).Round(0)
}

// NormalizePrice converts a native price and checks it lies in [0,1].
func NormalizePrice(v decimal.Decimal, places int32) (float64, error) {
	p := FromNative(v, places)
	if p.LessThan(decZero) || p.GreaterThan(decOne) {
		return 0, fmt.Errorf("price %s out of [0,1]", p.String())
	}
	f, _ := p.Float64()
	return f, nil
}

// DenormalizePrice converts a [0,1] float to the venue's native unit.
func DenormalizePrice(p float64, places int32) decimal.Decimal {
	return ToNative(decimal.NewFromFloat(p), places)
}

// ParsePrice parses a decimal string price (Polymarket wire format).
func ParsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return NormalizePrice(d, PlacesUnit)
}

// ParseDecimal parses a non-price decimal string (sizes, volumes).
func ParseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, nil
}

// CentsToPrice converts integer cents to a probability.
func CentsToPrice(cents int) float64 {
	f, _ := FromNative(decimal.NewFromInt(int64(cents)), PlacesCents).Float64()
	return f
}

// PriceToCents converts a probability to integer cents.
func PriceToCents(p float64) int {
	return int(DenormalizePrice(p, PlacesCents).IntPart())
}

// Complement returns 1 − p computed in decimal so 0.35 stays 0.35.
func Complement(p float64) float64 {
	f, _ := decOne.Sub(decimal.NewFromFloat(p)).Float64()
	return f
}

// ScaledToFloat converts an integer string in the given number of places
// (USDC 6, wei 18) to a float. Empty strings are zero.
func ScaledToFloat(s string, places int32) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	f, _ := FromNative(d, places).Float64()
	return f, nil
}

// FloatToScaled converts v to an integer in the given number of places,
// truncated down to a multiple of step (in native units; 0 or 1 means no step).
func FloatToScaled(v float64, places int32, step int64) decimal.Decimal {
	n := decimal.NewFromFloat(v).Shift(places).Truncate(0)
	return RoundDown(n, step)
}

// RoundDown truncates n to a multiple of step.
func RoundDown(n decimal.Decimal, step int64) decimal.Decimal {
	if step <= 1 {
		return n
	}
	s := decimal.NewFromInt(step)
	return n.Div(s).Truncate(0).Mul(s)
}

// RoundToTick rounds p to the nearest tick, e.g. 0.01.
func RoundToTick(p, tick float64) float64 {
	if tick <= 0 {
		return p
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(p).Div(t).Round(0).Mul(t).Float64()
	return f
}
