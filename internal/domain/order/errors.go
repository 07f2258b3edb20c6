package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when the order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrAccessDenied is returned when the caller does not own the order.
	ErrAccessDenied = errors.New("access denied")
	// ErrStateConflict is returned when a guarded update matched no row
	// because the order moved on concurrently.
	ErrStateConflict = errors.New("order state changed concurrently")
	// ErrDuplicateCart is returned when an order already exists for the cart.
	ErrDuplicateCart = errors.New("order already exists for cart")
	// ErrDuplicateOrderNumber is returned when a generated order number collides.
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
	// ErrCheckoutInProgress is returned when another checkout holds the cart.
	ErrCheckoutInProgress = errors.New("checkout already in progress for cart")
)

// CartValidationError indicates the cart, address or shipping input cannot
// be turned into an order.
type CartValidationError struct {
	Reason string
}

func (e *CartValidationError) Error() string {
	return "cart validation: " + e.Reason
}

// ValidationError indicates a request that is invalid for the order's
// current state.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// CreationError indicates the order could not be created or finalised.
type CreationError struct {
	Op  string
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("order creation: %s: %v", e.Op, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}
