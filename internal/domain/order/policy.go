package order

import (
	"context"
	"fmt"

	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/identity"
)

// Policy decides what a failed side effect does to the surrounding operation.
type Policy int

const (
	// PolicyEscalate records the failure in the order history and fails the
	// operation. Committed state is left in place.
	PolicyEscalate Policy = iota + 1
	// PolicyBestEffort logs the failure and carries on.
	PolicyBestEffort
)

func (p Policy) String() string {
	switch p {
	case PolicyEscalate:
		return "escalate"
	case PolicyBestEffort:
		return "best_effort"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// systemActor is recorded on history rows written by the service itself.
const systemActor = "system"

// SideEffect is a remote call made after an order state change commits.
type SideEffect struct {
	Name   string
	Policy Policy
	Run    func(ctx context.Context) error
}

// postPaymentEffects lists what must happen once an order is paid: the cart
// is converted, and the coupon is consumed when it actually discounted.
func (s *Service) postPaymentEffects(caller identity.Caller, o *Order) []SideEffect {
	effects := []SideEffect{{
		Name:   "cart_conversion",
		Policy: PolicyEscalate,
		Run: func(ctx context.Context) error {
			return s.carts.MarkConverted(ctx, caller, o.CartID, o.ID)
		},
	}}
	if o.CouponCode != "" && o.Discount.IsPositive() {
		effects = append(effects, SideEffect{
			Name:   "coupon_consumption",
			Policy: PolicyBestEffort,
			Run: func(ctx context.Context) error {
				return s.coupons.Consume(ctx, caller, o.CouponCode, o.ID)
			},
		})
	}
	return effects
}

// runSideEffects runs every effect in order. Each effect runs even when an
// earlier one escalated; the first escalated failure is returned as a
// *CreationError.
func (s *Service) runSideEffects(ctx context.Context, o *Order, effects []SideEffect) error {
	lg := zctx.From(ctx).With(zap.Int64("order_id", o.ID))

	var escalated error
	for _, e := range effects {
		err := e.Run(ctx)
		if err == nil {
			continue
		}
		s.effectFails.Add(ctx, 1, metric.WithAttributes(
			attribute.String("effect", e.Name),
			attribute.String("policy", e.Policy.String()),
		))

		switch e.Policy {
		case PolicyEscalate:
			lg.Error("Side effect failed", zap.String("effect", e.Name), zap.Error(err))
			note := fmt.Sprintf("%s failed after state change: %v", e.Name, err)
			if herr := s.orders.AppendHistory(ctx, o.ID, Audit{Note: note, Actor: systemActor}); herr != nil {
				lg.Error("Record side effect failure", zap.String("effect", e.Name), zap.Error(herr))
			}
			if escalated == nil {
				escalated = &CreationError{Op: e.Name, Err: err}
			}
		default:
			lg.Warn("Side effect failed", zap.String("effect", e.Name), zap.Error(err))
		}
	}
	return escalated
}
