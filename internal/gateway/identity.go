package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-orders/internal/domain/identity"
)

var _ identity.Client = (*IdentityClient)(nil)

// IdentityClient talks to the identity service, which owns users and their
// addresses.
type IdentityClient struct {
	t *transport
}

// NewIdentityClient returns an IdentityClient. A nil client uses NewHTTPClient.
func NewIdentityClient(cfg Config, client *http.Client) (*IdentityClient, error) {
	t, err := newTransport("identity", cfg, client)
	if err != nil {
		return nil, err
	}
	return &IdentityClient{t: t}, nil
}

// CurrentUser resolves a bearer token to the caller it belongs to.
func (c *IdentityClient) CurrentUser(ctx context.Context, token string) (*identity.Caller, error) {
	if token == "" {
		return nil, identity.ErrUnauthenticated
	}
	out := identity.Caller{Token: token}
	err := c.t.do(ctx, out, request{
		op:     "current user",
		method: http.MethodGet,
		path:   "/users/me",
		decode: func(d *jx.Decoder) error { return decodeUser(d, &out) },
	})
	if err != nil {
		switch StatusOf(err) {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return nil, identity.ErrUnauthenticated
		}
		return nil, err
	}
	if out.UserID == 0 {
		return nil, identity.ErrUnauthenticated
	}
	return &out, nil
}

// Address returns one of the caller's addresses, or identity.ErrAddressNotFound.
func (c *IdentityClient) Address(ctx context.Context, caller identity.Caller, id int64) (*identity.Address, error) {
	var out identity.Address
	err := c.t.do(ctx, caller, request{
		op:     "address",
		method: http.MethodGet,
		path:   "/addresses/" + strconv.FormatInt(id, 10),
		decode: func(d *jx.Decoder) error { return decodeAddress(d, &out) },
	})
	if err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return nil, identity.ErrAddressNotFound
		}
		return nil, err
	}
	return &out, nil
}

func decodeUser(d *jx.Decoder, u *identity.Caller) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			u.UserID, err = decodeID(d)
		case "email":
			u.Email, err = decodeString(d)
		case "roles":
			err = d.Arr(func(d *jx.Decoder) error {
				role, err := d.Str()
				if err != nil {
					return err
				}
				u.Roles = append(u.Roles, role)
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

func decodeAddress(d *jx.Decoder, a *identity.Address) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			a.ID, err = decodeID(d)
		case "userId":
			a.UserID, err = decodeID(d)
		case "line1":
			a.Line1, err = decodeString(d)
		case "city":
			a.City, err = decodeString(d)
		case "postalCode":
			a.PostalCode, err = decodeString(d)
		case "country":
			a.Country, err = decodeString(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
}
