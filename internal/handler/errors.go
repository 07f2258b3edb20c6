package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/coupon"
	"github.com/xenking/kart-orders/internal/domain/identity"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/pkg/httpmiddleware"
)

// requestError is a malformed request body or path parameter.
type requestError struct {
	reason string
	err    error
}

func (e *requestError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *requestError) Unwrap() error { return e.err }

type errorResponse struct {
	status   int
	category string
	message  string
}

// classify maps a service error to its HTTP status and category. Server
// errors carry a generic message.
func classify(err error) errorResponse {
	var (
		reqErr      *requestError
		cartErr     *order.CartValidationError
		validateErr *order.ValidationError
		createErr   *order.CreationError
	)
	switch {
	case errors.As(err, &reqErr):
		return errorResponse{http.StatusBadRequest, "VALIDATION", reqErr.Error()}
	case errors.Is(err, identity.ErrUnauthenticated):
		return errorResponse{http.StatusUnauthorized, "UNAUTHORIZED", "authentication required"}
	case errors.As(err, &cartErr):
		return errorResponse{http.StatusBadRequest, "CART_VALIDATION", cartErr.Reason}
	case errors.As(err, &validateErr):
		return errorResponse{http.StatusBadRequest, "VALIDATION", validateErr.Reason}
	case errors.As(err, &createErr):
		return errorResponse{http.StatusInternalServerError, "ORDER_CREATION", "order could not be completed"}
	case errors.Is(err, coupon.ErrInvalidCoupon), errors.Is(err, coupon.ErrCouponRejected):
		return errorResponse{http.StatusBadRequest, "COUPON_VALIDATION", err.Error()}
	case errors.Is(err, order.ErrNotFound):
		return errorResponse{http.StatusNotFound, "ORDER_NOT_FOUND", "order not found"}
	case errors.Is(err, order.ErrAccessDenied):
		return errorResponse{http.StatusForbidden, "ACCESS_DENIED", "access denied"}
	case errors.Is(err, order.ErrCheckoutInProgress), errors.Is(err, order.ErrStateConflict):
		return errorResponse{http.StatusConflict, "CONFLICT", err.Error()}
	default:
		return errorResponse{http.StatusInternalServerError, "INTERNAL_ERROR", "internal error"}
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	resp := classify(err)
	lg := zctx.From(ctx)
	if resp.status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.String("category", resp.category), zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.String("category", resp.category), zap.Error(err))
	}
	httpmiddleware.WriteError(w, resp.status, resp.category, resp.message)
}
