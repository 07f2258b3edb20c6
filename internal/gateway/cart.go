package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/identity"
)

var _ cart.Client = (*CartClient)(nil)

// CartClient talks to the cart service.
type CartClient struct {
	t *transport
}

// NewCartClient returns a CartClient. A nil client uses NewHTTPClient.
func NewCartClient(cfg Config, client *http.Client) (*CartClient, error) {
	t, err := newTransport("cart", cfg, client)
	if err != nil {
		return nil, err
	}
	return &CartClient{t: t}, nil
}

// Active returns the caller's active cart, or cart.ErrNoActiveCart.
func (c *CartClient) Active(ctx context.Context, caller identity.Caller) (*cart.Cart, error) {
	var out cart.Cart
	err := c.t.do(ctx, caller, request{
		op:     "active cart",
		method: http.MethodGet,
		path:   "/carts/current",
		decode: func(d *jx.Decoder) error { return decodeCart(d, &out) },
	})
	if err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return nil, cart.ErrNoActiveCart
		}
		return nil, err
	}
	return &out, nil
}

// MarkConverted tells the cart service the cart became an order.
func (c *CartClient) MarkConverted(ctx context.Context, caller identity.Caller, cartID, orderID int64) error {
	return c.t.do(ctx, caller, request{
		op:     "convert cart",
		method: http.MethodPost,
		path:   "/carts/" + strconv.FormatInt(cartID, 10) + "/convert",
		body: func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("orderId")
			e.Int64(orderID)
			e.ObjEnd()
		},
	})
}

func decodeCart(d *jx.Decoder, c *cart.Cart) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			c.ID, err = decodeID(d)
		case "userId":
			c.UserID, err = decodeID(d)
		case "status":
			var s string
			s, err = decodeString(d)
			c.Status = cart.Status(s)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var it cart.Item
				if err := decodeCartItem(d, &it); err != nil {
					return err
				}
				c.Items = append(c.Items, it)
				return nil
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
}

func decodeCartItem(d *jx.Decoder, it *cart.Item) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "productId":
			it.ProductID, err = decodeID(d)
		case "productName":
			it.ProductName, err = decodeString(d)
		case "unitPrice":
			it.UnitPrice, err = decodeDecimal(d)
		case "quantity":
			it.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
}
