//go:build integration

package test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/estore-labs/orders-service/internal/catalog"
	"github.com/estore-labs/orders-service/internal/domain"
	"github.com/estore-labs/orders-service/internal/messaging"
	"github.com/estore-labs/orders-service/internal/orders"
	"github.com/estore-labs/orders-service/internal/payments"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// catalogStub serves a two-product catalog: 1 → Keyboard/1000,
// 2 → Mouse/500. Unknown ids get a 404 like the real service.
func catalogStub(t *testing.T) *httptest.Server {
	t.Helper()

	known := map[int64]catalog.Product{
		1: {ID: 1, Name: "Keyboard", Price: 1000},
		2: {ID: 2, Name: "Mouse", Price: 500},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []int64 `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var products []catalog.Product
		for _, id := range req.IDs {
			p, ok := known[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			products = append(products, p)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"products": products})
	}))
}

func paymentsStub(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cs_test","url":"https://pay.example/cs_test"}`))
	}))
}

func newIntegrationService(t *testing.T, repo *orders.Repository) *orders.Service {
	t.Helper()

	catalogSrv := catalogStub(t)
	t.Cleanup(catalogSrv.Close)
	paymentsSrv := paymentsStub(t)
	t.Cleanup(paymentsSrv.Close)

	return orders.NewService(
		repo,
		catalog.NewClient(catalogSrv.URL, catalogSrv.Client()),
		payments.NewClient(paymentsSrv.URL, paymentsSrv.Client()),
		nil,
		discardLogger(),
	)
}

func TestOrderLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := orders.NewRepository(db)
	service := newIntegrationService(t, repo)
	handler := orders.NewHandler(service, discardLogger())

	reqBody := `{"items": [{"product_id": 1, "quantity": 2}, {"product_id": 2, "quantity": 1}]}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.HandleCreate(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	var created orders.CreateResult
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if created.Order.ID == "" {
		t.Fatal("expected order ID to be set")
	}
	if created.Order.TotalAmount != 2500 {
		t.Fatalf("expected total amount 2500, got %d", created.Order.TotalAmount)
	}
	if created.Order.TotalItems != 3 {
		t.Fatalf("expected total items 3, got %d", created.Order.TotalItems)
	}
	if created.Order.Status != domain.OrderStatusPending {
		t.Fatalf("expected status PENDING, got %s", created.Order.Status)
	}
	if created.PaymentSession == nil || created.PaymentSession.ID != "cs_test" {
		t.Fatalf("expected payment session cs_test, got %+v", created.PaymentSession)
	}

	t.Run("get refreshes names and keeps the price snapshot", func(t *testing.T) {
		order, err := service.Get(ctx, created.Order.ID)
		if err != nil {
			t.Fatalf("failed to get order: %v", err)
		}
		if len(order.Items) != 2 {
			t.Fatalf("expected 2 line items, got %d", len(order.Items))
		}
		if order.Items[0].Name != "Keyboard" || order.Items[0].Price != 1000 {
			t.Errorf("unexpected first item: %+v", order.Items[0])
		}
	})

	t.Run("list pages deterministically with a filtered total", func(t *testing.T) {
		for range 3 {
			if _, err := service.Create(ctx, []orders.CreateItem{{ProductID: 2, Quantity: 1}}); err != nil {
				t.Fatalf("failed to create order: %v", err)
			}
		}

		result, err := service.List(ctx, orders.ListFilter{Status: domain.OrderStatusPending, Page: 1, Limit: 2})
		if err != nil {
			t.Fatalf("failed to list orders: %v", err)
		}
		if len(result.Data) != 2 {
			t.Fatalf("expected 2 orders on the page, got %d", len(result.Data))
		}
		if result.Total != 4 {
			t.Fatalf("expected filtered total 4, got %d", result.Total)
		}
		if result.Data[0].ID != created.Order.ID {
			t.Errorf("expected oldest order first, got %s", result.Data[0].ID)
		}
		if len(result.Data[0].Items) != 2 {
			t.Errorf("expected listed order to carry its 2 line items, got %d", len(result.Data[0].Items))
		}
		if len(result.Data[1].Items) != 1 {
			t.Errorf("expected listed order to carry its line item, got %d", len(result.Data[1].Items))
		}

		page2, err := service.List(ctx, orders.ListFilter{Status: domain.OrderStatusPending, Page: 2, Limit: 2})
		if err != nil {
			t.Fatalf("failed to list page 2: %v", err)
		}
		if len(page2.Data) != 2 {
			t.Fatalf("expected 2 orders on page 2, got %d", len(page2.Data))
		}
		if page2.Data[0].ID == result.Data[0].ID || page2.Data[0].ID == result.Data[1].ID {
			t.Error("pages must not overlap")
		}

		if _, err := service.ChangeStatus(ctx, page2.Data[1].ID, domain.OrderStatusCancelled); err != nil {
			t.Fatalf("failed to change status: %v", err)
		}

		filtered, err := service.List(ctx, orders.ListFilter{Status: domain.OrderStatusPending, Page: 1, Limit: 10})
		if err != nil {
			t.Fatalf("failed to list after cancel: %v", err)
		}
		if filtered.Total != 3 {
			t.Errorf("expected filtered total 3 after cancel, got %d", filtered.Total)
		}
		for _, order := range filtered.Data {
			if order.Status != domain.OrderStatusPending {
				t.Errorf("expected only PENDING orders, got %s", order.Status)
			}
		}
	})

	t.Run("finalize is idempotent and keeps a single receipt", func(t *testing.T) {
		event := domain.PaymentSucceededEvent{
			OrderID:         created.Order.ID,
			StripePaymentID: "ch_test_1",
			ReceiptURL:      "https://receipts.example/r/1",
		}

		first, err := service.Finalize(ctx, event)
		if err != nil {
			t.Fatalf("failed to finalize: %v", err)
		}
		if first.Status != domain.OrderStatusPaid || !first.Paid || first.PaidAt == nil {
			t.Fatalf("expected PAID order, got %+v", first)
		}
		if first.StripeChargeID != "ch_test_1" {
			t.Fatalf("expected charge ch_test_1, got %s", first.StripeChargeID)
		}
		if first.Receipt == nil {
			t.Fatal("expected a receipt")
		}

		second, err := service.Finalize(ctx, event)
		if err != nil {
			t.Fatalf("failed to finalize again: %v", err)
		}
		if second.Receipt == nil || second.Receipt.ID != first.Receipt.ID {
			t.Fatalf("expected the same receipt, got %+v and %+v", first.Receipt, second.Receipt)
		}

		var receipts int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM receipts WHERE order_id = $1", created.Order.ID).Scan(&receipts); err != nil {
			t.Fatalf("failed to count receipts: %v", err)
		}
		if receipts != 1 {
			t.Fatalf("expected exactly one receipt, got %d", receipts)
		}
	})
}

func TestPaymentEventFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	brokers, cleanupKafka := SetupKafka(ctx, t)
	defer cleanupKafka()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := orders.NewRepository(db)
	service := newIntegrationService(t, repo)

	created, err := service.Create(ctx, []orders.CreateItem{{ProductID: 1, Quantity: 1}})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	producer := messaging.NewProducer(brokers, "payment.succeeded")
	defer func() { _ = producer.Close() }()

	event := domain.PaymentSucceededEvent{
		OrderID:         created.Order.ID,
		StripePaymentID: "ch_kafka_1",
		ReceiptURL:      "https://receipts.example/r/kafka",
	}
	// Publish twice to exercise at-least-once delivery.
	if err := producer.Publish(ctx, event.OrderID, event); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}
	if err := producer.Publish(ctx, event.OrderID, event); err != nil {
		t.Fatalf("failed to publish duplicate event: %v", err)
	}

	consumer := messaging.NewConsumer(brokers, "payment.succeeded", "orders-service-it", discardLogger(),
		messaging.WithStartOffset(kafkago.FirstOffset))
	defer func() { _ = consumer.Close() }()

	listener := orders.NewPaymentListener(service, discardLogger())

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go func() {
		_ = consumer.Consume(consumerCtx, listener.Handle)
	}()

	deadline := time.After(90 * time.Second)
	for {
		order, err := repo.GetByID(ctx, created.Order.ID)
		if err != nil {
			t.Fatalf("failed to get order: %v", err)
		}
		if order != nil && order.Paid {
			if order.Status != domain.OrderStatusPaid {
				t.Fatalf("expected PAID, got %s", order.Status)
			}
			if order.Receipt == nil {
				t.Fatal("expected a receipt")
			}
			break
		}

		select {
		case <-deadline:
			t.Fatal("timed out waiting for the order to be finalized")
		case <-time.After(500 * time.Millisecond):
		}
	}

	// Give the duplicate time to be processed, then check the invariant.
	time.Sleep(2 * time.Second)

	var receipts int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM receipts WHERE order_id = $1", created.Order.ID).Scan(&receipts); err != nil {
		t.Fatalf("failed to count receipts: %v", err)
	}
	if receipts != 1 {
		t.Fatalf("expected exactly one receipt, got %d", receipts)
	}
}
