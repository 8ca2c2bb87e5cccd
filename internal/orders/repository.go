package orders

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/estore-labs/orders-service/internal/domain"
)

// ListFilter selects a page of orders. A zero Status means no filter.
type ListFilter struct {
	Status domain.OrderStatus
	Page   int
	Limit  int
}

// MarkPaidParams carries the payment.succeeded payload into the store.
type MarkPaidParams struct {
	OrderID        string
	StripeChargeID string
	ReceiptURL     string
	PaidAt         time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create persists the order and its line items in one transaction.
func (r *Repository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	order.ID = uuid.New().String()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, status, paid, total_amount, total_items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, order.ID, order.Status, order.Paid, order.TotalAmount, order.TotalItems, order.CreatedAt)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		itemID := uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5)
		`, itemID, order.ID, item.ProductID, item.Quantity, item.Price)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order := &domain.Order{}

	var paidAt sql.NullTime
	var chargeID sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, status, paid, paid_at, total_amount, total_items, stripe_charge_id, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.Status, &order.Paid, &paidAt, &order.TotalAmount,
		&order.TotalItems, &chargeID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if chargeID.Valid {
		order.StripeChargeID = chargeID.String
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	receipt := &domain.Receipt{}
	err = r.db.QueryRowContext(ctx, `
		SELECT id, order_id, receipt_url, created_at
		FROM receipts
		WHERE order_id = $1
	`, id).Scan(&receipt.ID, &receipt.OrderID, &receipt.ReceiptURL, &receipt.CreatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		order.Receipt = receipt
	}

	return order, nil
}

// List returns one page of orders with their line items, oldest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]domain.Order, error) {
	offset := (filter.Page - 1) * filter.Limit

	query := `
		SELECT id, status, paid, paid_at, total_amount, total_items, stripe_charge_id, created_at, updated_at
		FROM orders
	`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`
		args = append(args, filter.Status, filter.Limit, offset)
	} else {
		query += ` ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2`
		args = append(args, filter.Limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		var order domain.Order
		var paidAt sql.NullTime
		var chargeID sql.NullString
		if err := rows.Scan(&order.ID, &order.Status, &order.Paid, &paidAt, &order.TotalAmount,
			&order.TotalItems, &chargeID, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		if paidAt.Valid {
			order.PaidAt = &paidAt.Time
		}
		if chargeID.Valid {
			order.StripeChargeID = chargeID.String
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	orderIDs := make([]string, len(orders))
	for i := range orders {
		orderIDs[i] = orders[i].ID
	}

	itemsByOrder, err := r.ItemsByOrderIDs(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = itemsByOrder[orders[i].ID]
	}

	return orders, nil
}

// Count reports how many orders match the same filter List uses, so
// that total/limit yields the correct page count.
func (r *Repository) Count(ctx context.Context, status domain.OrderStatus) (int, error) {
	var count int
	var err error
	if status != "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE status = $1`, status).Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count)
	}
	return count, err
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, nil
	}

	return r.GetByID(ctx, id)
}

// MarkPaid finalizes an order in one transaction: an unconditional field
// overwrite, idempotent under redelivery, plus a receipt insert guarded
// by the UNIQUE(order_id) constraint so at most one receipt ever exists
// per order.
func (r *Repository) MarkPaid(ctx context.Context, params MarkPaidParams) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, paid = TRUE, paid_at = $2, stripe_charge_id = $3, updated_at = $2
		WHERE id = $4
	`, domain.OrderStatusPaid, params.PaidAt, params.StripeChargeID, params.OrderID)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (id, order_id, receipt_url, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING
	`, uuid.New().String(), params.OrderID, params.ReceiptURL, params.PaidAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, params.OrderID)
}

// ItemsByOrderIDs batch-loads line items for a set of orders.
func (r *Repository) ItemsByOrderIDs(ctx context.Context, orderIDs []string) (map[string][]domain.LineItem, error) {
	if len(orderIDs) == 0 {
		return map[string][]domain.LineItem{}, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY product_id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make(map[string][]domain.LineItem)
	for rows.Next() {
		var orderID string
		var item domain.LineItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		items[orderID] = append(items[orderID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
