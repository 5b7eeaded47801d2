package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places held by one atomic price unit.
const PriceScale = 8

// Quantity is an exact decimal amount (size, volume, open interest).
type Quantity = decimal.Decimal

// Price is a fixed-point price counted in 1e-8 atomic units. It is
// comparable and ordered, so it can key maps and sort books exactly.
type Price int64

// PriceStep is a positive grouping step expressed in atomic units.
type PriceStep int64

// ParsePrice converts an exchange decimal string into a Price. Values with
// more precision than PriceScale or negative values are rejected instead of
// being rounded.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return PriceFromDecimal(d)
}

// PriceFromDecimal converts d exactly, failing when d is not representable.
func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid price %s: negative", d.String())
	}
	scaled := d.Shift(PriceScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("invalid price %s: finer than 1e-%d", d.String(), PriceScale)
	}
	if scaled.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, fmt.Errorf("invalid price %s: out of range", d.String())
	}
	return Price(scaled.IntPart()), nil
}

// MustPrice is ParsePrice for literals known to be valid.
func MustPrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceScale)
}

func (p Price) String() string {
	return p.Decimal().String()
}

// Float64 is lossy and only meant for display collaborators.
func (p Price) Float64() float64 {
	f, _ := p.Decimal().Float64()
	return f
}

// RoundToStep rounds to the nearest multiple of step, halves away from zero.
func (p Price) RoundToStep(step PriceStep) Price {
	u := int64(step)
	if u <= 1 {
		return p
	}
	return Price(floorDiv(int64(p)+u/2, u) * u)
}

// FloorToStep is used for sells and bids so they group downwards.
func (p Price) FloorToStep(step PriceStep) Price {
	u := int64(step)
	if u <= 1 {
		return p
	}
	return Price(floorDiv(int64(p), u) * u)
}

// CeilToStep is used for buys and asks so they group upwards.
func (p Price) CeilToStep(step PriceStep) Price {
	u := int64(step)
	if u <= 1 {
		return p
	}
	return Price(floorDiv(int64(p)+u-1, u) * u)
}

// SideStep floors when isSellOrBid is set and ceils otherwise.
func (p Price) SideStep(isSellOrBid bool, step PriceStep) Price {
	if isSellOrBid {
		return p.FloorToStep(step)
	}
	return p.CeilToStep(step)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ParsePriceStep parses a decimal tick size such as "0.1".
func ParsePriceStep(s string) (PriceStep, error) {
	p, err := ParsePrice(s)
	if err != nil {
		return 0, err
	}
	if p <= 0 {
		return 0, fmt.Errorf("invalid price step %q: must be positive", s)
	}
	return PriceStep(p), nil
}

func (s PriceStep) Decimal() decimal.Decimal {
	return Price(s).Decimal()
}

func (s PriceStep) String() string {
	return Price(s).String()
}

// ParseQuantity parses an exact decimal quantity; negative values are invalid.
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid quantity %q: negative", s)
	}
	return d, nil
}
