package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/estore-labs/orders-service/internal/domain"
)

// PaymentListener consumes payment.succeeded events and finalizes the
// matching orders. Delivery is at-least-once, so every failure mode is
// logged and acknowledged rather than returned: a poison payload or an
// unknown order id must not put the partition into a redelivery loop.
type PaymentListener struct {
	service *Service
	logger  *slog.Logger
}

func NewPaymentListener(service *Service, logger *slog.Logger) *PaymentListener {
	return &PaymentListener{
		service: service,
		logger:  logger,
	}
}

func (l *PaymentListener) Handle(ctx context.Context, payload []byte) error {
	var event domain.PaymentSucceededEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		l.logger.Error("dropping malformed payment event", "error", err)
		return nil
	}

	if event.OrderID == "" {
		l.logger.Error("dropping payment event without order id")
		return nil
	}

	l.logger.Info("processing payment succeeded event",
		"order_id", event.OrderID, "stripe_payment_id", event.StripePaymentID)

	order, err := l.service.Finalize(ctx, event)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.logger.Warn("payment event for unknown order", "order_id", event.OrderID)
			return nil
		}
		l.logger.Error("failed to finalize order", "error", err, "order_id", event.OrderID)
		return nil
	}

	l.logger.Info("order finalized", "order_id", order.ID, "status", order.Status)
	return nil
}
