// Package cart describes the shopping cart snapshot the order service reads
// from the cart service.
package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/identity"
)

// Status is the lifecycle state of a cart in the cart service.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusConverted Status = "CONVERTED"
	StatusAbandoned Status = "ABANDONED"
)

// ErrNoActiveCart is returned when the caller has no active cart.
var ErrNoActiveCart = errors.New("no active cart")

// Cart is a read-only snapshot of the caller's cart.
type Cart struct {
	ID     int64
	UserID int64
	Status Status
	Items  []Item
}

// Item is a single cart line.
type Item struct {
	ProductID   int64
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    int
}

// Client talks to the cart service on behalf of a caller.
type Client interface {
	// Active returns the caller's current cart, or ErrNoActiveCart.
	Active(ctx context.Context, caller identity.Caller) (*Cart, error)
	// MarkConverted records that the cart became the given order.
	MarkConverted(ctx context.Context, caller identity.Caller, cartID, orderID int64) error
}
