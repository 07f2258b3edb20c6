// Package pricing turns a cart snapshot, an optional coupon and a shipping
// cost into the monetary breakdown of an order. It performs no I/O.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/coupon"
)

// DefaultTaxRate is the flat tax rate applied to the discounted subtotal.
var DefaultTaxRate = decimal.RequireFromString("0.10")

// Line is a priced quantity of a single product.
type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal returns UnitPrice * Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Input holds everything a calculation depends on.
type Input struct {
	Lines    []Line
	Coupon   *coupon.Coupon
	Shipping decimal.Decimal
}

// Result is the monetary breakdown of an order.
//
// Total == (Subtotal - Discount) + Tax + Shipping, every value non-negative
// and rounded to 2 decimal places.
type Result struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
	// Coupon is the coupon that was applied, nil when none was.
	Coupon *coupon.Coupon
}

// Engine calculates order totals at a fixed tax rate.
type Engine struct {
	taxRate decimal.Decimal
}

// NewEngine returns an Engine using taxRate (e.g. 0.10 for 10%).
func NewEngine(taxRate decimal.Decimal) *Engine {
	return &Engine{taxRate: taxRate}
}

// TaxRate returns the rate the engine applies.
func (e *Engine) TaxRate() decimal.Decimal {
	return e.taxRate
}

// Calculate computes subtotal, discount, tax and total.
//
// A coupon whose discount cannot be computed is dropped rather than failing
// the calculation: checkout proceeds without a discount.
func (e *Engine) Calculate(in Input) Result {
	subtotal := decimal.Zero
	for _, l := range in.Lines {
		subtotal = subtotal.Add(floorAtZero(l.Subtotal()))
	}
	subtotal = subtotal.Round(2)

	discount := decimal.Zero
	applied := in.Coupon
	if applied != nil {
		amount, err := applied.Discount(subtotal)
		if err != nil {
			applied = nil
		} else {
			discount = amount
		}
	}

	taxable := floorAtZero(subtotal.Sub(discount))
	tax := taxable.Mul(e.taxRate).Round(2)
	shipping := floorAtZero(in.Shipping).Round(2)
	total := floorAtZero(taxable.Add(tax).Add(shipping)).Round(2)

	return Result{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Shipping: shipping,
		Total:    total,
		Coupon:   applied,
	}
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
