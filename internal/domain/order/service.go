package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/coupon"
	"github.com/xenking/kart-orders/internal/domain/identity"
	"github.com/xenking/kart-orders/internal/domain/pricing"
	"github.com/xenking/kart-orders/internal/lock"
)

const instrumentationName = "github.com/xenking/kart-orders/internal/domain/order"

const (
	// DefaultPaymentMethod is recorded when the request names none.
	DefaultPaymentMethod = "CARD"
	// DefaultCurrency is used when none is configured.
	DefaultCurrency = "USD"
)

// DefaultMaxShipping is the exclusive upper bound on the shipping value.
var DefaultMaxShipping = decimal.NewFromInt(10000)

// Locker serialises checkouts of the same cart.
type Locker interface {
	Acquire(ctx context.Context, key string) (lock.Release, error)
}

// NumberGenerator produces human-readable order numbers.
type NumberGenerator interface {
	Next() string
}

// PlaceOrderRequest holds the input for placing an order from the caller's
// active cart.
type PlaceOrderRequest struct {
	ShippingAddressID int64
	ShippingValue     *decimal.Decimal
	CouponCode        string
	Notes             string
	DeliveryType      DeliveryType
	ShippingDate      *time.Time
}

// PlaceOrderResult holds the placed order. Created is false when an existing
// order for the cart was recalculated instead.
type PlaceOrderResult struct {
	Order   *Order
	Created bool
}

// PaymentRequest holds the details of a completed payment.
type PaymentRequest struct {
	Method        string
	PaymentID     string
	TransactionID string
}

// Deps are the collaborators of a Service. Locker, Now, Meter and Tracer
// are optional.
type Deps struct {
	Carts    cart.Client
	Coupons  coupon.Client
	Identity identity.Client
	Orders   Repository
	Pricing  *pricing.Engine
	Numbers  NumberGenerator
	Locker   Locker

	// MaxShipping defaults to DefaultMaxShipping, Currency to DefaultCurrency.
	MaxShipping decimal.Decimal
	Currency    string

	Now    func() time.Time
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Service orchestrates the order lifecycle: checkout from a cart, queries,
// cancellation and payment completion.
type Service struct {
	carts       cart.Client
	coupons     coupon.Client
	identity    identity.Client
	orders      Repository
	pricing     *pricing.Engine
	numbers     NumberGenerator
	locker      Locker
	maxShipping decimal.Decimal
	currency    string
	now         func() time.Time
	tracer      trace.Tracer

	placed      metric.Int64Counter
	paid        metric.Int64Counter
	cancelled   metric.Int64Counter
	effectFails metric.Int64Counter
}

// NewService creates an order Service.
func NewService(deps Deps) (*Service, error) {
	s := &Service{
		carts:       deps.Carts,
		coupons:     deps.Coupons,
		identity:    deps.Identity,
		orders:      deps.Orders,
		pricing:     deps.Pricing,
		numbers:     deps.Numbers,
		locker:      deps.Locker,
		maxShipping: deps.MaxShipping,
		currency:    deps.Currency,
		now:         deps.Now,
		tracer:      deps.Tracer,
	}
	if s.pricing == nil {
		s.pricing = pricing.NewEngine(pricing.DefaultTaxRate)
	}
	if s.locker == nil {
		s.locker = lock.Noop{}
	}
	if s.maxShipping.IsZero() {
		s.maxShipping = DefaultMaxShipping
	}
	if s.currency == "" {
		s.currency = DefaultCurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var err error
	if s.placed, err = meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders created or recalculated from a cart"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.placed counter")
	}
	if s.paid, err = meter.Int64Counter("orders.paid",
		metric.WithDescription("Orders whose payment was completed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.paid counter")
	}
	if s.cancelled, err = meter.Int64Counter("orders.cancelled",
		metric.WithDescription("Orders cancelled by their owner or an admin"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.cancelled counter")
	}
	if s.effectFails, err = meter.Int64Counter("orders.side_effect.failures",
		metric.WithDescription("Failed post-payment side effects"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.side_effect.failures counter")
	}
	return s, nil
}

// PlaceOrder creates an order from the caller's active cart, or recalculates
// the cart's existing order while it is still pending.
func (s *Service) PlaceOrder(ctx context.Context, caller identity.Caller, req PlaceOrderRequest) (_ *PlaceOrderResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer func() { finish(span, rerr) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := s.validateShipping(req.ShippingValue); err != nil {
		return nil, err
	}
	deliveryType := req.DeliveryType
	if deliveryType == "" {
		deliveryType = DeliveryStandard
	}
	if !deliveryType.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown delivery type %q", deliveryType)}
	}

	c, addr, err := s.checkoutInputs(ctx, caller, req.ShippingAddressID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("cart.id", c.ID))

	lines := make([]pricing.Line, len(c.Items))
	items := make([]Item, len(c.Items))
	for i, it := range c.Items {
		lines[i] = pricing.Line{UnitPrice: it.UnitPrice, Quantity: it.Quantity}
		items[i] = Item{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
			Subtotal:    lines[i].Subtotal().Round(2),
		}
	}

	var applied *coupon.Coupon
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		applied = s.resolveCoupon(ctx, caller, code)
	}

	totals := s.pricing.Calculate(pricing.Input{
		Lines:    lines,
		Coupon:   applied,
		Shipping: *req.ShippingValue,
	})

	draft := &Order{
		UserID:            caller.UserID,
		CartID:            c.ID,
		Status:            StatusPending,
		PaymentStatus:     PaymentPending,
		Subtotal:          totals.Subtotal,
		Tax:               totals.Tax,
		Discount:          totals.Discount,
		Shipping:          totals.Shipping,
		Total:             totals.Total,
		ShippingAddressID: addr.ID,
		DeliveryType:      deliveryType,
		ShippingDate:      req.ShippingDate,
		Notes:             req.Notes,
		Items:             items,
	}
	if totals.Coupon != nil {
		draft.CouponCode = totals.Coupon.Code
		draft.DiscountType = totals.Coupon.DiscountType
	}

	release, err := s.locker.Acquire(ctx, "checkout:cart:"+strconv.FormatInt(c.ID, 10))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, ErrCheckoutInProgress
		}
		return nil, errors.Wrap(err, "acquire checkout lock")
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			zctx.From(ctx).Warn("Release checkout lock", zap.Int64("cart_id", c.ID), zap.Error(err))
		}
	}()

	o, created, err := s.reconcile(ctx, caller, draft)
	if err != nil {
		return nil, err
	}

	result := "updated"
	if created {
		result = "created"
	}
	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	zctx.From(ctx).Info("Order placed",
		zap.Int64("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.Int64("cart_id", o.CartID),
		zap.Bool("created", created),
		zap.String("total", o.Total.StringFixed(2)),
	)

	return &PlaceOrderResult{Order: o, Created: created}, nil
}

func (s *Service) validateShipping(v *decimal.Decimal) error {
	switch {
	case v == nil:
		return &CartValidationError{Reason: "shipping value is required"}
	case v.IsNegative():
		return &CartValidationError{Reason: "shipping value must not be negative"}
	case !v.LessThan(s.maxShipping):
		return &CartValidationError{Reason: "shipping value must be below " + s.maxShipping.String()}
	}
	return nil
}

// checkoutInputs fetches the active cart and the shipping address
// concurrently and validates both.
func (s *Service) checkoutInputs(ctx context.Context, caller identity.Caller, addressID int64) (*cart.Cart, *identity.Address, error) {
	var (
		c    *cart.Cart
		addr *identity.Address
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		c, err = s.carts.Active(gctx, caller)
		switch {
		case errors.Is(err, cart.ErrNoActiveCart):
			return &CartValidationError{Reason: "no active cart"}
		case err != nil:
			return errors.Wrap(err, "fetch active cart")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		addr, err = s.identity.Address(gctx, caller, addressID)
		switch {
		case errors.Is(err, identity.ErrAddressNotFound):
			return &CartValidationError{Reason: "shipping address not found"}
		case err != nil:
			return errors.Wrap(err, "fetch shipping address")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	switch {
	case c.Status != cart.StatusActive:
		return nil, nil, &CartValidationError{Reason: "cart is not active: " + string(c.Status)}
	case c.UserID != caller.UserID:
		return nil, nil, &CartValidationError{Reason: "cart does not belong to caller"}
	case len(c.Items) == 0:
		return nil, nil, &CartValidationError{Reason: "cart is empty"}
	case addr.UserID != caller.UserID:
		return nil, nil, &CartValidationError{Reason: "shipping address does not belong to caller"}
	}
	for _, it := range c.Items {
		if it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return nil, nil, &CartValidationError{Reason: fmt.Sprintf("invalid cart item for product %d", it.ProductID)}
		}
		// Line subtotals are stored to the cent and must add up to the subtotal.
		if !it.UnitPrice.Equal(it.UnitPrice.Round(2)) {
			return nil, nil, &CartValidationError{Reason: fmt.Sprintf("unit price of product %d has sub-cent precision", it.ProductID)}
		}
	}
	return c, addr, nil
}

// resolveCoupon returns the validated coupon, or nil when it cannot be
// applied. Coupon problems never fail checkout.
func (s *Service) resolveCoupon(ctx context.Context, caller identity.Caller, code string) *coupon.Coupon {
	lg := zctx.From(ctx).With(zap.String("coupon_code", code))

	c, err := s.coupons.Validate(ctx, caller, code)
	if err != nil {
		lg.Warn("Coupon not applied", zap.Error(err))
		return nil
	}
	if err := c.Validate(); err != nil {
		lg.Warn("Coupon not applied", zap.Error(err))
		return nil
	}
	return c
}

// reconcile persists draft as a new order, or overwrites the cart's existing
// order when one is found.
func (s *Service) reconcile(ctx context.Context, caller identity.Caller, draft *Order) (*Order, bool, error) {
	existing, err := s.orders.FindByCartID(ctx, draft.CartID)
	switch {
	case err == nil:
		o, err := s.update(ctx, caller, existing, draft)
		return o, false, err
	case !errors.Is(err, ErrNotFound):
		return nil, false, errors.Wrap(err, "find order by cart")
	}

	draft.Number = s.numbers.Next()
	err = s.orders.Create(ctx, draft, Audit{Note: "order created from cart", Actor: caller.Actor()})
	switch {
	case err == nil:
		return draft, true, nil
	case errors.Is(err, ErrDuplicateCart):
		// A concurrent checkout of the same cart won the insert.
		zctx.From(ctx).Info("Order for cart created concurrently, updating", zap.Int64("cart_id", draft.CartID))
		existing, err := s.orders.FindByCartID(ctx, draft.CartID)
		if err != nil {
			return nil, false, &CreationError{Op: "find concurrent order", Err: err}
		}
		o, err := s.update(ctx, caller, existing, draft)
		return o, false, err
	default:
		return nil, false, &CreationError{Op: "create order", Err: err}
	}
}

func (s *Service) update(ctx context.Context, caller identity.Caller, existing, draft *Order) (*Order, error) {
	if !existing.IsModifiable() {
		return nil, &ValidationError{Reason: "order for cart is no longer modifiable"}
	}

	draft.ID = existing.ID
	draft.Number = existing.Number
	draft.Version = existing.Version
	draft.CreatedAt = existing.CreatedAt

	err := s.orders.Replace(ctx, draft, Audit{Note: "order updated from cart", Actor: caller.Actor()})
	switch {
	case errors.Is(err, ErrStateConflict):
		return nil, &ValidationError{Reason: "order for cart is no longer modifiable"}
	case err != nil:
		return nil, &CreationError{Op: "update order", Err: err}
	}
	return draft, nil
}

// ListOrders returns the caller's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, caller identity.Caller) ([]Order, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	orders, err := s.orders.ListByUser(ctx, caller.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// GetOrder returns one of the caller's orders.
func (s *Service) GetOrder(ctx context.Context, caller identity.Caller, id int64) (*Order, error) {
	return s.ownedOrder(ctx, caller, id)
}

// History returns the order's audit trail, oldest first. Admins may read any
// order's history.
func (s *Service) History(ctx context.Context, caller identity.Caller, id int64) ([]HistoryEntry, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != caller.UserID && !caller.IsAdmin() {
		return nil, ErrAccessDenied
	}
	entries, err := s.orders.History(ctx, o.ID)
	if err != nil {
		return nil, errors.Wrap(err, "order history")
	}
	return entries, nil
}

// CancelOrder cancels one of the caller's pending orders.
func (s *Service) CancelOrder(ctx context.Context, caller identity.Caller, id int64, reason string) (*Order, error) {
	o, err := s.ownedOrder(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, caller, o, reason)
}

// AdminCancelOrder cancels any pending order. The caller must be an admin.
func (s *Service) AdminCancelOrder(ctx context.Context, caller identity.Caller, id int64, reason string) (*Order, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if !caller.IsAdmin() {
		return nil, ErrAccessDenied
	}
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, caller, o, reason)
}

func (s *Service) cancel(ctx context.Context, caller identity.Caller, o *Order, reason string) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Cancel", trace.WithAttributes(attribute.Int64("order.id", o.ID)))
	defer func() { finish(span, rerr) }()

	if err := o.CheckCancellable(); err != nil {
		return nil, err
	}

	note := "order cancelled"
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	cancelled, err := s.transition(ctx, o.ID, TransitionRequest{
		Transition: CancelTransition,
		Audit:      Audit{Note: note, Actor: caller.Actor()},
	}, (*Order).CheckCancellable)
	if err != nil {
		return nil, err
	}

	s.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.Bool("admin", cancelled.UserID != caller.UserID)))
	zctx.From(ctx).Info("Order cancelled",
		zap.Int64("order_id", cancelled.ID),
		zap.String("actor", caller.Actor()),
	)
	return cancelled, nil
}

// CompletePayment marks one of the caller's pending orders as paid and then
// runs the post-payment side effects.
func (s *Service) CompletePayment(ctx context.Context, caller identity.Caller, id int64, req PaymentRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.CompletePayment", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer func() { finish(span, rerr) }()

	o, err := s.ownedOrder(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if err := o.CheckPayable(); err != nil {
		return nil, err
	}

	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = DefaultPaymentMethod
	}
	paid, err := s.transition(ctx, o.ID, TransitionRequest{
		Transition: PayTransition,
		Audit:      Audit{Note: "payment completed", Actor: caller.Actor()},
		Payment: &Payment{
			PaymentID:     req.PaymentID,
			Method:        method,
			Status:        PaymentPaid,
			Amount:        o.Total,
			Currency:      s.currency,
			TransactionID: req.TransactionID,
			PaidAt:        s.now(),
		},
	}, (*Order).CheckPayable)
	if err != nil {
		return nil, err
	}

	s.paid.Add(ctx, 1)
	zctx.From(ctx).Info("Payment completed",
		zap.Int64("order_id", paid.ID),
		zap.String("order_number", paid.Number),
		zap.String("total", paid.Total.StringFixed(2)),
	)

	if err := s.runSideEffects(ctx, paid, s.postPaymentEffects(caller, paid)); err != nil {
		return nil, err
	}
	return paid, nil
}

// transition applies req, classifying a lost race by re-reading the order
// and running check against its current state.
func (s *Service) transition(ctx context.Context, id int64, req TransitionRequest, check func(*Order) error) (*Order, error) {
	updated, err := s.orders.Transition(ctx, id, req)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrStateConflict) {
		// The failed attempt goes on record at the unchanged state.
		note := fmt.Sprintf("transition to %s failed: %v", req.Transition.To, err)
		if herr := s.orders.AppendHistory(ctx, id, Audit{Note: note, Actor: systemActor}); herr != nil {
			zctx.From(ctx).Error("Record transition failure", zap.Int64("order_id", id), zap.Error(herr))
		}
		return nil, errors.Wrap(err, "transition order")
	}

	current, gerr := s.load(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if verr := check(current); verr != nil {
		return nil, verr
	}
	return nil, &ValidationError{Reason: "order changed concurrently"}
}

// load fetches an order without an ownership check.
func (s *Service) load(ctx context.Context, id int64) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

func (s *Service) ownedOrder(ctx context.Context, caller identity.Caller, id int64) (*Order, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != caller.UserID {
		return nil, ErrAccessDenied
	}
	return o, nil
}

func requireCaller(caller identity.Caller) error {
	if caller.UserID == 0 {
		return identity.ErrUnauthenticated
	}
	return nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
