package coupon

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/identity"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the subtotal.
	DiscountPercentage DiscountType = "PERCENTAGE"
	// DiscountFixed applies a fixed monetary discount capped at the subtotal.
	DiscountFixed DiscountType = "FIXED"
)

var (
	// ErrInvalidCoupon is returned when a coupon code is malformed or unknown.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponRejected is returned when the coupon service refuses the code,
	// e.g. because it expired or its usage limit was reached.
	ErrCouponRejected = errors.New("coupon rejected")
)

// Coupon is a coupon the coupon service has validated for the caller.
type Coupon struct {
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
}

// Client validates and consumes coupons in the coupon service.
type Client interface {
	Validate(ctx context.Context, caller identity.Caller, code string) (*Coupon, error)
	Consume(ctx context.Context, caller identity.Caller, code string, orderID int64) error
}
