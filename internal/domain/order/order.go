package order

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/coupon"
)

// Status is the fulfilment status of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// PaymentStatus is the payment status of an order.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// DeliveryType tags how an order is to be delivered.
type DeliveryType string

const (
	DeliveryStandard DeliveryType = "STANDARD"
	DeliveryExpress  DeliveryType = "EXPRESS"
	DeliveryPickup   DeliveryType = "PICKUP"
)

// Valid reports whether t is a known delivery type.
func (t DeliveryType) Valid() bool {
	switch t {
	case DeliveryStandard, DeliveryExpress, DeliveryPickup:
		return true
	default:
		return false
	}
}

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentPaid:    {PaymentRefunded, PaymentPartiallyRefunded},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(statusTransitions[from], to)
}

// CanTransitionPayment reports whether a payment status may move from one
// value to another.
func CanTransitionPayment(from, to PaymentStatus) bool {
	return slices.Contains(paymentTransitions[from], to)
}

// Order is a durable order created from a cart.
//
// Total == (Subtotal - Discount) + Tax + Shipping.
type Order struct {
	ID                int64
	Number            string
	UserID            int64
	CartID            int64
	Status            Status
	PaymentStatus     PaymentStatus
	Subtotal          decimal.Decimal
	Tax               decimal.Decimal
	Discount          decimal.Decimal
	Shipping          decimal.Decimal
	Total             decimal.Decimal
	ShippingAddressID int64
	// CouponCode and DiscountType are empty when no coupon was applied.
	CouponCode   string
	DiscountType coupon.DiscountType
	DeliveryType DeliveryType
	ShippingDate *time.Time
	Notes        string
	Version      int32
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Items        []Item
}

// Item is a single line of an order, snapshotted from the cart.
type Item struct {
	ID          int64
	ProductID   int64
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    int
	Subtotal    decimal.Decimal
}

// HistoryEntry is one row of an order's append-only audit trail.
type HistoryEntry struct {
	ID            int64
	OrderID       int64
	Status        Status
	PaymentStatus PaymentStatus
	Note          string
	Actor         string
	CreatedAt     time.Time
}

// Payment records the completion of an order's payment.
type Payment struct {
	ID            int64
	OrderID       int64
	PaymentID     string
	Method        string
	Status        PaymentStatus
	Amount        decimal.Decimal
	Currency      string
	TransactionID string
	PaidAt        time.Time
}

// IsModifiable reports whether the order can still be recalculated from its cart.
func (o *Order) IsModifiable() bool {
	return o.Status == StatusPending && o.PaymentStatus == PaymentPending
}

// CheckPayable returns a *ValidationError when payment cannot be completed.
func (o *Order) CheckPayable() error {
	switch {
	case o.PaymentStatus == PaymentPaid:
		return &ValidationError{Reason: "order is already paid"}
	case o.PaymentStatus == PaymentFailed:
		return &ValidationError{Reason: "order payment has failed"}
	case o.Status != StatusPending:
		return &ValidationError{Reason: "order is not pending: " + string(o.Status)}
	case !CanTransition(o.Status, StatusConfirmed) || !CanTransitionPayment(o.PaymentStatus, PaymentPaid):
		return &ValidationError{Reason: "order cannot be paid"}
	}
	return nil
}

// CheckCancellable returns a *ValidationError when the order cannot be cancelled.
func (o *Order) CheckCancellable() error {
	switch {
	case o.PaymentStatus == PaymentPaid:
		return &ValidationError{Reason: "paid order cannot be cancelled"}
	case !CanTransition(o.Status, StatusCancelled):
		return &ValidationError{Reason: "order cannot be cancelled in status " + string(o.Status)}
	}
	return nil
}

// Audit describes the history row written alongside a change.
type Audit struct {
	Note  string
	Actor string
}

// Transition is a guarded status change. The change applies only while the
// order is in From and its payment status is one of FromPayments.
type Transition struct {
	From         Status
	FromPayments []PaymentStatus
	To           Status
	// ToPayment leaves the payment status unchanged when empty.
	ToPayment PaymentStatus
}

var (
	// PayTransition moves a pending order to (CONFIRMED, PAID).
	PayTransition = Transition{
		From:         StatusPending,
		FromPayments: []PaymentStatus{PaymentPending},
		To:           StatusConfirmed,
		ToPayment:    PaymentPaid,
	}
	// CancelTransition cancels a pending order that has not been paid.
	CancelTransition = Transition{
		From:         StatusPending,
		FromPayments: []PaymentStatus{PaymentPending, PaymentFailed},
		To:           StatusCancelled,
	}
)

// TransitionRequest is an atomic status change with its audit row and, for
// payment completion, the payment record.
type TransitionRequest struct {
	Transition Transition
	Audit      Audit
	Payment    *Payment
}

// Repository defines persistence operations for orders.
//
// Lookups return ErrNotFound when no order matches. Replace and Transition
// return ErrStateConflict when the order is no longer in the expected state.
type Repository interface {
	FindByCartID(ctx context.Context, cartID int64) (*Order, error)
	Get(ctx context.Context, id int64) (*Order, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	History(ctx context.Context, orderID int64) ([]HistoryEntry, error)

	// Create inserts the order, its items and an initial history row in one
	// transaction, filling in ID, Version and timestamps. It returns
	// ErrDuplicateCart or ErrDuplicateOrderNumber on unique violations.
	Create(ctx context.Context, o *Order, audit Audit) error
	// Replace overwrites a pending order's financials and items in place.
	Replace(ctx context.Context, o *Order, audit Audit) error
	// Transition applies req in one transaction and returns the updated order.
	Transition(ctx context.Context, id int64, req TransitionRequest) (*Order, error)
	// AppendHistory records a history row at the order's current state.
	AppendHistory(ctx context.Context, orderID int64, audit Audit) error
}
