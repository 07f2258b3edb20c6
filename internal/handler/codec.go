package handler

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/order"
)

const (
	maxBodySize = 64 << 10
	dateLayout  = "2006-01-02"
)

func readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	buf, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		return nil, &requestError{reason: "read body", err: err}
	}
	if len(buf) > maxBodySize {
		return nil, &requestError{reason: "request body too large"}
	}
	return bytes.TrimSpace(buf), nil
}

// decodeObject decodes a JSON object body. An empty body is accepted when
// optional is set.
func decodeObject(body io.Reader, optional bool, field func(d *jx.Decoder, key string) error) error {
	buf, err := readBody(body)
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		if optional {
			return nil
		}
		return &requestError{reason: "request body required"}
	}
	d := jx.DecodeBytes(buf)
	err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	})
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return reqErr
		}
		return &requestError{reason: "malformed request body", err: err}
	}
	// The object must be the whole body.
	if err := d.Skip(); err != io.EOF {
		return &requestError{reason: "unexpected data after request object"}
	}
	return nil
}

func decodePlaceOrder(body io.Reader) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest
	err := decodeObject(body, false, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "shippingAddressId":
			req.ShippingAddressID, err = readID(d)
		case "shippingValue":
			req.ShippingValue, err = readDecimal(d)
		case "couponCode":
			req.CouponCode, err = readString(d)
		case "notes":
			req.Notes, err = readString(d)
		case "deliveryType":
			var s string
			s, err = readString(d)
			req.DeliveryType = order.DeliveryType(s)
		case "shippingDate":
			req.ShippingDate, err = readDate(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return &requestError{reason: "invalid " + key, err: err}
		}
		return nil
	})
	if err != nil {
		return order.PlaceOrderRequest{}, err
	}
	if req.ShippingAddressID <= 0 {
		return order.PlaceOrderRequest{}, &requestError{reason: "shippingAddressId is required"}
	}
	return req, nil
}

func decodePayment(body io.Reader) (order.PaymentRequest, error) {
	var req order.PaymentRequest
	err := decodeObject(body, true, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "method":
			req.Method, err = readString(d)
		case "paymentId":
			req.PaymentID, err = readString(d)
		case "transactionId":
			req.TransactionID, err = readString(d)
		default:
			return d.Skip()
		}
		return err
	})
	return req, err
}

func decodeCancel(body io.Reader) (string, error) {
	var reason string
	err := decodeObject(body, true, func(d *jx.Decoder, key string) error {
		if key != "reason" {
			return d.Skip()
		}
		var err error
		reason, err = readString(d)
		return err
	})
	return reason, err
}

func readString(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func readID(d *jx.Decoder) (int64, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(s, 10, 64)
	case jx.Null:
		return 0, d.Null()
	default:
		return d.Int64()
	}
}

func readDecimal(d *jx.Decoder) (*decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.Null:
		return nil, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return nil, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		raw = string(n)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// readDate accepts a calendar date or an RFC 3339 timestamp.
func readDate(d *jx.Decoder) (*time.Time, error) {
	s, err := readString(d)
	if err != nil || s == "" {
		return nil, err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return nil, errors.Errorf("expected %s or RFC 3339, got %q", dateLayout, s)
	}
	return &t, nil
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.RawStr(v.StringFixed(2))
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(o.ID)
	e.FieldStart("orderNumber")
	e.Str(o.Number)
	e.FieldStart("userId")
	e.Int64(o.UserID)
	e.FieldStart("cartId")
	e.Int64(o.CartID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("paymentStatus")
	e.Str(string(o.PaymentStatus))
	e.FieldStart("subtotal")
	money(e, o.Subtotal)
	e.FieldStart("discounts")
	money(e, o.Discount)
	e.FieldStart("tax")
	money(e, o.Tax)
	e.FieldStart("shippingValue")
	money(e, o.Shipping)
	e.FieldStart("total")
	money(e, o.Total)
	e.FieldStart("shippingAddressId")
	e.Int64(o.ShippingAddressID)

	e.FieldStart("appliedCoupon")
	if o.CouponCode == "" {
		e.Null()
	} else {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(o.CouponCode)
		e.FieldStart("discountType")
		e.Str(string(o.DiscountType))
		e.ObjEnd()
	}

	e.FieldStart("deliveryType")
	e.Str(string(o.DeliveryType))
	e.FieldStart("shippingDate")
	if o.ShippingDate == nil {
		e.Null()
	} else {
		e.Str(o.ShippingDate.Format(dateLayout))
	}
	e.FieldStart("notes")
	e.Str(o.Notes)

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Int64(it.ProductID)
		e.FieldStart("productName")
		e.Str(it.ProductName)
		e.FieldStart("unitPrice")
		money(e, it.UnitPrice)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("subtotal")
		money(e, it.Subtotal)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.FieldStart("updatedAt")
	e.Str(o.UpdatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}

func encodeHistory(e *jx.Encoder, h order.HistoryEntry) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(h.ID)
	e.FieldStart("orderId")
	e.Int64(h.OrderID)
	e.FieldStart("status")
	e.Str(string(h.Status))
	e.FieldStart("paymentStatus")
	e.Str(string(h.PaymentStatus))
	e.FieldStart("note")
	e.Str(h.Note)
	e.FieldStart("actor")
	e.Str(h.Actor)
	e.FieldStart("createdAt")
	e.Str(h.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	writeJSON(w, status, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func writeOrders(w http.ResponseWriter, orders []order.Order) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range orders {
			encodeOrder(e, &orders[i])
		}
		e.ArrEnd()
	})
}

func writeHistory(w http.ResponseWriter, entries []order.HistoryEntry) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, h := range entries {
			encodeHistory(e, h)
		}
		e.ArrEnd()
	})
}
