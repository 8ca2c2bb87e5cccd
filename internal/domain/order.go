package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// ValidStatus reports whether s belongs to the deployed status set.
func ValidStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// LineItem holds the price snapshot taken when the order was created.
// The snapshot never changes, even if the catalog price does.
type LineItem struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
	Name      string `json:"name,omitempty"`
}

type Receipt struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	ReceiptURL string    `json:"receipt_url"`
	CreatedAt  time.Time `json:"created_at"`
}

type Order struct {
	ID             string      `json:"id"`
	Status         OrderStatus `json:"status"`
	Paid           bool        `json:"paid"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
	TotalAmount    int64       `json:"total_amount"`
	TotalItems     int         `json:"total_items"`
	StripeChargeID string      `json:"stripe_charge_id,omitempty"`
	Items          []LineItem  `json:"items"`
	Receipt        *Receipt    `json:"receipt,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
