package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/coupon"
	"github.com/xenking/kart-orders/internal/domain/order"
)

const orderColumns = `id, order_number, user_id, cart_id, status, payment_status,
	subtotal, tax, discount, shipping_value, total, shipping_address_id,
	coupon_code, discount_type, delivery_type, shipping_date, notes, version,
	created_at, updated_at`

const (
	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	findOrderByCartSQL = `SELECT ` + orderColumns + ` FROM orders WHERE cart_id = $1`

	listOrdersByUserSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC`

	listItemsSQL = `SELECT id, order_id, product_id, product_name, unit_price, quantity, subtotal
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`

	insertOrderSQL = `INSERT INTO orders (order_number, user_id, cart_id, status, payment_status,
		subtotal, tax, discount, shipping_value, total, shipping_address_id,
		coupon_code, discount_type, delivery_type, shipping_date, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, version, created_at, updated_at`

	replaceOrderSQL = `UPDATE orders SET subtotal = $2, tax = $3, discount = $4, shipping_value = $5,
		total = $6, shipping_address_id = $7, coupon_code = $8, discount_type = $9,
		delivery_type = $10, shipping_date = $11, notes = $12,
		version = version + 1, updated_at = now()
		WHERE id = $1 AND status = 'PENDING' AND payment_status = 'PENDING'
		RETURNING version, updated_at`

	transitionOrderSQL = `UPDATE orders SET status = $2,
		payment_status = COALESCE(NULLIF($3::text, ''), payment_status),
		version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $4 AND payment_status = ANY($5::text[])
		RETURNING ` + orderColumns

	deleteItemsSQL = `DELETE FROM order_items WHERE order_id = $1`

	insertItemSQL = `INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertHistorySQL = `INSERT INTO order_status_history (order_id, status, payment_status, note, actor)
		VALUES ($1, $2, $3, $4, $5)`

	appendHistorySQL = `INSERT INTO order_status_history (order_id, status, payment_status, note, actor)
		SELECT id, status, payment_status, $2, $3 FROM orders WHERE id = $1`

	listHistorySQL = `SELECT id, order_id, status, payment_status, note, actor, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY id`

	insertPaymentSQL = `INSERT INTO order_payments (order_id, payment_id, method, status, amount,
		currency, transaction_id, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
)

const uniqueViolation = "23505"

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Get returns an order with its items.
func (r *OrderRepository) Get(ctx context.Context, id int64) (*order.Order, error) {
	return r.one(ctx, getOrderSQL, id)
}

// FindByCartID returns the order created from the given cart.
func (r *OrderRepository) FindByCartID(ctx context.Context, cartID int64) (*order.Order, error) {
	return r.one(ctx, findOrderByCartSQL, cartID)
}

func (r *OrderRepository) one(ctx context.Context, query string, arg int64) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}

	orders := []order.Order{o}
	if err := attachItems(ctx, r.pool, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListByUser returns the user's orders with items, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders for user %d: %w", userID, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders for user %d: %w", userID, err)
	}
	if err := attachItems(ctx, r.pool, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// History returns the order's status history, oldest first.
func (r *OrderRepository) History(ctx context.Context, orderID int64) ([]order.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, listHistorySQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing history for order %d: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanHistory)
}

// Create inserts the order, its items and the initial history row in one
// transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, audit order.Audit) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, insertOrderSQL,
			o.Number, o.UserID, o.CartID, o.Status, o.PaymentStatus,
			o.Subtotal, o.Tax, o.Discount, o.Shipping, o.Total, o.ShippingAddressID,
			nullString(o.CouponCode), nullString(string(o.DiscountType)), o.DeliveryType, o.ShippingDate, o.Notes,
		).Scan(&o.ID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("creating order %q: %w", o.Number, mapUniqueViolation(err))
		}
		if err := insertItems(ctx, tx, o.ID, o.Items); err != nil {
			return err
		}
		return insertHistory(ctx, tx, o.ID, o.Status, o.PaymentStatus, audit)
	})
}

// Replace overwrites a pending order's financials and replaces all of its
// items. It returns order.ErrStateConflict when the order is no longer
// (PENDING, PENDING).
func (r *OrderRepository) Replace(ctx context.Context, o *order.Order, audit order.Audit) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, replaceOrderSQL,
			o.ID, o.Subtotal, o.Tax, o.Discount, o.Shipping, o.Total, o.ShippingAddressID,
			nullString(o.CouponCode), nullString(string(o.DiscountType)), o.DeliveryType, o.ShippingDate, o.Notes,
		).Scan(&o.Version, &o.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrStateConflict
			}
			return fmt.Errorf("updating order %d: %w", o.ID, err)
		}
		o.Status = order.StatusPending
		o.PaymentStatus = order.PaymentPending

		if _, err := tx.Exec(ctx, deleteItemsSQL, o.ID); err != nil {
			return fmt.Errorf("deleting items of order %d: %w", o.ID, err)
		}
		if err := insertItems(ctx, tx, o.ID, o.Items); err != nil {
			return err
		}
		return insertHistory(ctx, tx, o.ID, o.Status, o.PaymentStatus, audit)
	})
}

// Transition applies a guarded status change together with its history row
// and optional payment record. The payment amount is the order total as
// stored at the time of the change.
func (r *OrderRepository) Transition(ctx context.Context, id int64, req order.TransitionRequest) (*order.Order, error) {
	var updated order.Order
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		from := make([]string, len(req.Transition.FromPayments))
		for i, ps := range req.Transition.FromPayments {
			from[i] = string(ps)
		}
		rows, err := tx.Query(ctx, transitionOrderSQL,
			id, req.Transition.To, string(req.Transition.ToPayment), req.Transition.From, from,
		)
		if err != nil {
			return fmt.Errorf("transitioning order %d: %w", id, err)
		}
		updated, err = pgx.CollectExactlyOneRow(rows, scanOrder)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrStateConflict
			}
			return fmt.Errorf("transitioning order %d: %w", id, err)
		}

		if p := req.Payment; p != nil {
			p.OrderID = id
			p.Amount = updated.Total
			if err := tx.QueryRow(ctx, insertPaymentSQL,
				id, p.PaymentID, p.Method, p.Status, p.Amount, p.Currency, p.TransactionID, p.PaidAt,
			).Scan(&p.ID); err != nil {
				return fmt.Errorf("recording payment for order %d: %w", id, err)
			}
		}
		if err := insertHistory(ctx, tx, id, updated.Status, updated.PaymentStatus, req.Audit); err != nil {
			return err
		}

		orders := []order.Order{updated}
		if err := attachItems(ctx, tx, orders); err != nil {
			return err
		}
		updated = orders[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// AppendHistory records a history row at the order's current state.
func (r *OrderRepository) AppendHistory(ctx context.Context, orderID int64, audit order.Audit) error {
	tag, err := r.pool.Exec(ctx, appendHistorySQL, orderID, audit.Note, audit.Actor)
	if err != nil {
		return fmt.Errorf("appending history for order %d: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", mapUniqueViolation(err))
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// attachItems loads the items of all given orders with a single query.
func attachItems(ctx context.Context, q querier, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	idx := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		idx[o.ID] = i
	}

	rows, err := q.Query(ctx, listItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	for _, it := range items {
		i := idx[it.orderID]
		orders[i].Items = append(orders[i].Items, it.Item)
	}
	return nil
}

func insertItems(ctx context.Context, tx pgx.Tx, orderID int64, items []order.Item) error {
	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(insertItemSQL, orderID, it.ProductID, it.ProductName, it.UnitPrice, it.Quantity, it.Subtotal)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("inserting items of order %d: %w", orderID, err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, orderID int64, st order.Status, ps order.PaymentStatus, audit order.Audit) error {
	if _, err := tx.Exec(ctx, insertHistorySQL, orderID, st, ps, audit.Note, audit.Actor); err != nil {
		return fmt.Errorf("recording history for order %d: %w", orderID, err)
	}
	return nil
}

// mapUniqueViolation translates unique constraint violations on orders into
// domain errors.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "orders_cart_id_key":
		return order.ErrDuplicateCart
	case "orders_order_number_key":
		return order.ErrDuplicateOrderNumber
	default:
		return err
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o            order.Order
		status       string
		payment      string
		couponCode   *string
		discountType *string
		deliveryType string
		shippingDate *time.Time
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.CartID, &status, &payment,
		&o.Subtotal, &o.Tax, &o.Discount, &o.Shipping, &o.Total, &o.ShippingAddressID,
		&couponCode, &discountType, &deliveryType, &shippingDate, &o.Notes, &o.Version,
		&o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(payment)
	o.DeliveryType = order.DeliveryType(deliveryType)
	o.ShippingDate = shippingDate
	if couponCode != nil {
		o.CouponCode = *couponCode
	}
	if discountType != nil {
		o.DiscountType = coupon.DiscountType(*discountType)
	}
	return o, err
}

type itemRow struct {
	order.Item
	orderID int64
}

func scanItem(row pgx.CollectableRow) (itemRow, error) {
	var (
		it        itemRow
		unitPrice decimal.Decimal
		subtotal  decimal.Decimal
		quantity  int32
	)
	err := row.Scan(&it.ID, &it.orderID, &it.ProductID, &it.ProductName, &unitPrice, &quantity, &subtotal)
	it.UnitPrice = unitPrice
	it.Subtotal = subtotal
	it.Quantity = int(quantity)
	return it, err
}

func scanHistory(row pgx.CollectableRow) (order.HistoryEntry, error) {
	var (
		h       order.HistoryEntry
		status  string
		payment string
	)
	err := row.Scan(&h.ID, &h.OrderID, &status, &payment, &h.Note, &h.Actor, &h.CreatedAt)
	h.Status = order.Status(status)
	h.PaymentStatus = order.PaymentStatus(payment)
	return h, err
}
