package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-orders/internal/domain/coupon"
	"github.com/xenking/kart-orders/internal/domain/identity"
)

var _ coupon.Client = (*CouponClient)(nil)

// CouponClient talks to the coupon service.
type CouponClient struct {
	t *transport
}

// NewCouponClient returns a CouponClient. A nil client uses NewHTTPClient.
func NewCouponClient(cfg Config, client *http.Client) (*CouponClient, error) {
	t, err := newTransport("coupon", cfg, client)
	if err != nil {
		return nil, err
	}
	return &CouponClient{t: t}, nil
}

// Validate asks the coupon service whether code may be used by caller.
func (c *CouponClient) Validate(ctx context.Context, caller identity.Caller, code string) (*coupon.Coupon, error) {
	var out coupon.Coupon
	err := c.t.do(ctx, caller, request{
		op:     "validate coupon",
		method: http.MethodGet,
		path:   "/coupons/validate",
		query:  url.Values{"code": {code}},
		decode: func(d *jx.Decoder) error { return decodeCoupon(d, &out) },
	})
	if err != nil {
		return nil, couponError(err)
	}
	if out.Code == "" {
		out.Code = code
	}
	return &out, nil
}

// Consume records the coupon as used by the order. It is not retried, so a
// coupon is never consumed twice for one order by this client.
func (c *CouponClient) Consume(ctx context.Context, caller identity.Caller, code string, orderID int64) error {
	err := c.t.do(ctx, caller, request{
		op:     "consume coupon",
		method: http.MethodPost,
		path:   "/coupons/" + url.PathEscape(code) + "/consume",
		body: func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("orderId")
			e.Int64(orderID)
			e.FieldStart("userId")
			e.Int64(caller.UserID)
			e.ObjEnd()
		},
		once: true,
	})
	if err != nil {
		return couponError(err)
	}
	return nil
}

func couponError(err error) error {
	switch StatusOf(err) {
	case http.StatusNotFound, http.StatusBadRequest:
		return errors.Wrap(coupon.ErrInvalidCoupon, err.Error())
	case http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity:
		return errors.Wrap(coupon.ErrCouponRejected, err.Error())
	default:
		return err
	}
}

func decodeCoupon(d *jx.Decoder, c *coupon.Coupon) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			c.Code, err = decodeString(d)
		case "discountType":
			var s string
			s, err = decodeString(d)
			c.DiscountType = coupon.DiscountType(s)
		case "value", "discountValue":
			c.Value, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
}
