// Package handler exposes the order service over HTTP.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/identity"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/pkg/httpmiddleware"
)

// Service is the part of *order.Service the handlers call.
type Service interface {
	PlaceOrder(ctx context.Context, caller identity.Caller, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	ListOrders(ctx context.Context, caller identity.Caller) ([]order.Order, error)
	GetOrder(ctx context.Context, caller identity.Caller, id int64) (*order.Order, error)
	History(ctx context.Context, caller identity.Caller, id int64) ([]order.HistoryEntry, error)
	CancelOrder(ctx context.Context, caller identity.Caller, id int64, reason string) (*order.Order, error)
	AdminCancelOrder(ctx context.Context, caller identity.Caller, id int64, reason string) (*order.Order, error)
	CompletePayment(ctx context.Context, caller identity.Caller, id int64, req order.PaymentRequest) (*order.Order, error)
}

// Authenticator resolves a bearer token to a caller.
type Authenticator interface {
	CurrentUser(ctx context.Context, token string) (*identity.Caller, error)
}

// Handler serves the /api routes.
type Handler struct {
	orders Service
	auth   Authenticator
}

// New creates a Handler.
func New(orders Service, auth Authenticator) *Handler {
	return &Handler{orders: orders, auth: auth}
}

// Routes returns the router for the API. Every route requires a bearer token.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.placeOrder)
			r.Get("/", h.listOrders)
			r.Get("/{id}", h.getOrder)
			r.Get("/{id}/history", h.history)
			r.Patch("/{id}/cancel", h.cancelOrder)
			r.Post("/{id}/payment", h.completePayment)
		})
		r.Patch("/admin/orders/{id}/cancel", h.adminCancelOrder)
	})
	return r
}

type callerKey struct{}

func callerFrom(ctx context.Context) identity.Caller {
	c, _ := ctx.Value(callerKey{}).(identity.Caller)
	return c
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticate resolves the bearer token through the identity service. The
// token is kept on the caller so collaborators receive it unchanged.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := bearerToken(r)
		if token == "" {
			writeError(ctx, w, identity.ErrUnauthenticated)
			return
		}
		caller, err := h.auth.CurrentUser(ctx, token)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		caller.Token = token

		ctx = context.WithValue(ctx, callerKey{}, *caller)
		ctx = zctx.With(ctx, zap.Int64("user_id", caller.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &requestError{reason: "invalid order id"}
	}
	return id, nil
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decodePlaceOrder(r.Body)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	res, err := h.orders.PlaceOrder(ctx, callerFrom(ctx), req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	// A recalculated pending order is still the result of this checkout.
	writeOrder(w, http.StatusCreated, res.Order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orders, err := h.orders.ListOrders(ctx, callerFrom(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeOrders(w, orders)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := orderID(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	o, err := h.orders.GetOrder(ctx, callerFrom(ctx), id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := orderID(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	entries, err := h.orders.History(ctx, callerFrom(ctx), id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeHistory(w, entries)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.orders.CancelOrder)
}

func (h *Handler) adminCancelOrder(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.orders.AdminCancelOrder)
}

type cancelFunc func(ctx context.Context, caller identity.Caller, id int64, reason string) (*order.Order, error)

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, fn cancelFunc) {
	ctx := r.Context()
	id, err := orderID(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	reason, err := decodeCancel(r.Body)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	o, err := fn(ctx, callerFrom(ctx), id, reason)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) completePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := orderID(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	req, err := decodePayment(r.Body)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	o, err := h.orders.CompletePayment(ctx, callerFrom(ctx), id, req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}
