package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/estore-labs/orders-service/internal/catalog"
	"github.com/estore-labs/orders-service/internal/messaging"
	"github.com/estore-labs/orders-service/internal/orders"
	"github.com/estore-labs/orders-service/internal/payments"
	"github.com/estore-labs/orders-service/internal/telemetry"
)

const (
	serviceName    = "orders"
	serviceVersion = "0.1.0"
)

func main() {
	ctx := context.Background()
	logger := telemetry.NewLogger(os.Stdout)

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, serviceVersion)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, serviceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	catalogServiceURL := os.Getenv("CATALOG_SERVICE_URL")
	if catalogServiceURL == "" {
		logger.Error("CATALOG_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	paymentsServiceURL := os.Getenv("PAYMENTS_SERVICE_URL")
	if paymentsServiceURL == "" {
		logger.Error("PAYMENTS_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	// Bounded timeout on every outbound call; a stuck collaborator must
	// not pin a request goroutine indefinitely.
	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	validator := catalog.NewClient(catalogServiceURL, httpClient)
	sessions := payments.NewClient(paymentsServiceURL, httpClient)

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}
	brokers := strings.Split(kafkaBrokers, ",")

	producer := messaging.NewProducer(brokers, "order.paid")
	defer func() { _ = producer.Close() }()
	consumer := messaging.NewConsumer(brokers, "payment.succeeded", "orders-service", logger)
	defer func() { _ = consumer.Close() }()

	repo := orders.NewRepository(db)
	service := orders.NewService(repo, validator, sessions, producer, logger)
	handler := orders.NewHandler(service, logger)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	listener := orders.NewPaymentListener(service, logger)
	go func() {
		logger.Info("starting payment event listener", "topic", "payment.succeeded")
		if err := consumer.Consume(consumerCtx, listener.Handle); err != nil && consumerCtx.Err() == nil {
			logger.Error("payment event listener stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(handler.HandleList))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(handler.HandleCreate))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(handler.HandleGet))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(handler.HandleChangeStatus))
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	stopConsumer()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
