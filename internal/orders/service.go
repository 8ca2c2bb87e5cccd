package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/estore-labs/orders-service/internal/catalog"
	"github.com/estore-labs/orders-service/internal/domain"
	"github.com/estore-labs/orders-service/internal/payments"
)

// Payment sessions are always requested in this currency.
const sessionCurrency = "usd"

var ErrNotFound = errors.New("order not found")

type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Order, error)
	Count(ctx context.Context, status domain.OrderStatus) (int, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error)
	MarkPaid(ctx context.Context, params MarkPaidParams) (*domain.Order, error)
}

type ProductValidator interface {
	ValidateProducts(ctx context.Context, ids []int64) ([]catalog.Product, error)
}

type PaymentSessions interface {
	CreateSession(ctx context.Context, sr payments.SessionRequest) (*payments.Session, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Service orchestrates order creation, lookup, status changes and
// payment finalization across the store and the collaborator services.
type Service struct {
	store     OrderStore
	validator ProductValidator
	sessions  PaymentSessions
	publisher EventPublisher
	logger    *slog.Logger
}

func NewService(store OrderStore, validator ProductValidator, sessions PaymentSessions, publisher EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		validator: validator,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
	}
}

type CreateItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateResult struct {
	Order          *domain.Order     `json:"order"`
	PaymentSession *payments.Session `json:"payment_session"`
}

// Create validates the referenced products, prices the order from the
// catalog snapshot, persists it atomically and requests a payment
// session. Prices supplied by the caller are never trusted; the catalog
// is the only price source.
//
// If the session request fails after the order is persisted, the order
// is returned with a nil session and the failure is logged; the order
// stays PENDING and the client may retry.
func (s *Service) Create(ctx context.Context, items []CreateItem) (*CreateResult, error) {
	ids := distinctProductIDs(items)

	products, err := s.validator.ValidateProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	priceByID := make(map[int64]int64, len(products))
	nameByID := make(map[int64]string, len(products))
	for _, p := range products {
		priceByID[p.ID] = p.Price
		nameByID[p.ID] = p.Name
	}

	var totalAmount int64
	var totalItems int
	lineItems := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		price := priceByID[item.ProductID]
		totalAmount += price * int64(item.Quantity)
		totalItems += item.Quantity
		lineItems = append(lineItems, domain.LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     price,
		})
	}

	order := &domain.Order{
		Status:      domain.OrderStatusPending,
		Paid:        false,
		TotalAmount: totalAmount,
		TotalItems:  totalItems,
		Items:       lineItems,
		CreatedAt:   time.Now().UTC(),
	}
	order.UpdatedAt = order.CreatedAt

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	for i := range order.Items {
		order.Items[i].Name = nameByID[order.Items[i].ProductID]
	}

	session, err := s.requestPaymentSession(ctx, order)
	if err != nil {
		s.logger.Error("payment session request failed, order left pending",
			"error", err, "order_id", order.ID)
		session = nil
	}

	return &CreateResult{Order: order, PaymentSession: session}, nil
}

func (s *Service) requestPaymentSession(ctx context.Context, order *domain.Order) (*payments.Session, error) {
	sessionItems := make([]payments.SessionItem, 0, len(order.Items))
	for _, item := range order.Items {
		sessionItems = append(sessionItems, payments.SessionItem{
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
		})
	}

	return s.sessions.CreateSession(ctx, payments.SessionRequest{
		OrderID:  order.ID,
		Currency: sessionCurrency,
		Items:    sessionItems,
	})
}

// Get returns the order with product names refreshed from the catalog.
// Only display names are refreshed; the persisted price snapshot is
// never recomputed.
func (s *Service) Get(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}

	ids := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}

	products, err := s.validator.ValidateProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	nameByID := make(map[int64]string, len(products))
	for _, p := range products {
		nameByID[p.ID] = p.Name
	}
	for i := range order.Items {
		order.Items[i].Name = nameByID[order.Items[i].ProductID]
	}

	return order, nil
}

type ListResult struct {
	Data  []domain.Order `json:"data"`
	Total int            `json:"total"`
}

// List returns one page of orders and the total count under the same
// status filter.
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	data, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	total, err := s.store.Count(ctx, filter.Status)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	return &ListResult{Data: data, Total: total}, nil
}

// ChangeStatus moves an order to the requested status. Requesting the
// current status is an idempotent no-op with no store write. Any other
// transition is accepted; there is deliberately no transition graph.
func (s *Service) ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}

	if order.Status == status {
		return order, nil
	}

	updated, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if updated == nil {
		return nil, ErrNotFound
	}

	return updated, nil
}

// Finalize applies a payment.succeeded event: the order becomes PAID
// with its charge reference and receipt attached. Safe to call more
// than once for the same order; redeliveries settle on the same state.
func (s *Service) Finalize(ctx context.Context, event domain.PaymentSucceededEvent) (*domain.Order, error) {
	paidAt := time.Now().UTC()

	order, err := s.store.MarkPaid(ctx, MarkPaidParams{
		OrderID:        event.OrderID,
		StripeChargeID: event.StripePaymentID,
		ReceiptURL:     event.ReceiptURL,
		PaidAt:         paidAt,
	})
	if err != nil {
		return nil, fmt.Errorf("mark paid: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}

	if s.publisher != nil {
		paid := domain.OrderPaidEvent{
			OrderID:        order.ID,
			StripeChargeID: order.StripeChargeID,
			TotalAmount:    order.TotalAmount,
			PaidAt:         paidAt,
		}
		if err := s.publisher.Publish(ctx, order.ID, paid); err != nil {
			s.logger.Error("failed to publish order paid event", "error", err, "order_id", order.ID)
		}
	}

	return order, nil
}

func distinctProductIDs(items []CreateItem) []int64 {
	seen := make(map[int64]bool, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	return ids
}
