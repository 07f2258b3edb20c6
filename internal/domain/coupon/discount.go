package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Discount returns the amount this coupon takes off the given subtotal,
// clamped to [0, subtotal] and rounded to 2 decimal places.
func (c *Coupon) Discount(subtotal decimal.Decimal) (decimal.Decimal, error) {
	if subtotal.IsNegative() {
		subtotal = decimal.Zero
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(c.Value).Div(hundred)
	case DiscountFixed:
		amount = c.Value
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}

	amount = decimal.Min(floorAtZero(amount), subtotal)
	return amount.Round(2), nil
}

// Validate checks the coupon is well formed: a known type and a value that
// makes sense for it.
func (c *Coupon) Validate() error {
	if c.Code == "" {
		return ErrInvalidCoupon
	}
	if c.Value.IsNegative() {
		return errors.Wrapf(ErrInvalidCoupon, "negative value %s", c.Value)
	}
	switch c.DiscountType {
	case DiscountPercentage:
		if c.Value.GreaterThan(hundred) {
			return errors.Wrapf(ErrInvalidCoupon, "percentage %s above 100", c.Value)
		}
	case DiscountFixed:
	default:
		return errors.Wrapf(ErrInvalidCoupon, "unsupported discount type %q", c.DiscountType)
	}
	return nil
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
