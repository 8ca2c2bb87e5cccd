package domain

import "time"

// PaymentSucceededEvent is the payload of the payment.succeeded topic.
// Delivery is at-least-once; consumers must tolerate duplicates.
type PaymentSucceededEvent struct {
	OrderID         string `json:"order_id"`
	StripePaymentID string `json:"stripe_payment_id"`
	ReceiptURL      string `json:"receipt_url"`
}

// OrderPaidEvent is published after an order is finalized.
type OrderPaidEvent struct {
	OrderID        string    `json:"order_id"`
	StripeChargeID string    `json:"stripe_charge_id"`
	TotalAmount    int64     `json:"total_amount"`
	PaidAt         time.Time `json:"paid_at"`
}
