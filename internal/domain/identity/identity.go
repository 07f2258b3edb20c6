// Package identity describes the authenticated caller and the addresses the
// identity service owns on their behalf.
package identity

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
)

// RoleAdmin grants access to administrative order operations.
const RoleAdmin = "ADMIN"

var (
	// ErrUnauthenticated is returned when the bearer token cannot be resolved
	// to a user.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAddressNotFound is returned when the requested address does not exist.
	ErrAddressNotFound = errors.New("address not found")
)

// Caller is the resolved identity of the user making a request. It is passed
// explicitly to every operation and forwarded to collaborators via Token.
type Caller struct {
	UserID int64
	Email  string
	Roles  []string
	Token  string
}

// IsAdmin reports whether the caller carries the admin role.
func (c Caller) IsAdmin() bool {
	return slices.Contains(c.Roles, RoleAdmin)
}

// Actor returns the audit label recorded in status history rows.
func (c Caller) Actor() string {
	if c.IsAdmin() {
		return fmt.Sprintf("admin:%d", c.UserID)
	}
	return fmt.Sprintf("user:%d", c.UserID)
}

// Address is a shipping address registered with the identity service.
type Address struct {
	ID         int64
	UserID     int64
	Line1      string
	City       string
	PostalCode string
	Country    string
}

// Client resolves callers and their addresses from the identity service.
type Client interface {
	CurrentUser(ctx context.Context, token string) (*Caller, error)
	Address(ctx context.Context, caller Caller, id int64) (*Address, error)
}
