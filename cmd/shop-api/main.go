package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/api"
	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/internal/config"
	"github.com/jogardn/cryptoshop/internal/events"
	"github.com/jogardn/cryptoshop/internal/nowpayments"
	"github.com/jogardn/cryptoshop/internal/orders"
	"github.com/jogardn/cryptoshop/internal/payments"
	"github.com/jogardn/cryptoshop/internal/store"
	"github.com/jogardn/cryptoshop/internal/webhook"
	"github.com/jogardn/cryptoshop/internal/websocket"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		logger.SetLevel(logrus.InfoLevel)
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, closeStore := openStore(ctx, cfg.Database, logger)
	defer closeStore()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}, logger)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	hubPublisher := events.NewHubPublisher(hub)

	// With Kafka every instance relays events to its own websocket clients;
	// without it the reconciler feeds the local hub directly.
	var publisher events.Publisher = hubPublisher
	if cfg.Kafka.Enabled() {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka, breakers.Breaker("kafka"), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher

		consumer, err := events.NewKafkaConsumer(cfg.Kafka, instanceGroupID(cfg.Kafka.GroupID), hubPublisher, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
	}

	provider := nowpayments.NewClient(cfg.NOWPayments, breakers.Breaker("nowpayments"), logger)
	ledger := orders.NewLedger(st, logger)
	handler := api.NewHandler(api.Deps{
		Ledger:        ledger,
		Invoices:      payments.NewInvoiceService(st, ledger, provider, cfg.NOWPayments.PriceCurrency, logger),
		Reconciler:    payments.NewReconciler(st, ledger, publisher, logger),
		Authenticator: webhook.NewAuthenticator(cfg.NOWPayments.IPNSecret, logger),
		Store:         st,
		Breakers:      breakers,
		Hub:           hub,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":      cfg.Port,
			"db_driver": cfg.Database.Driver,
			"kafka":     cfg.Kafka.Enabled(),
		}).Info("Starting shop API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	stop()

	logger.Info("Server gracefully stopped")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (store.Store, func()) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, data is lost on restart")
		mem := store.NewMemory()
		seedDemoCatalog(mem)
		return mem, func() {}
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	for i := 0; i < 30; i++ {
		if err := db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		time.Sleep(2 * time.Second)
	}

	pg := store.NewPostgres(db, logger)
	if err := pg.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to create tables")
	}
	return pg, func() { db.Close() }
}

// seedDemoCatalog gives the in-memory store one product and one filled cart
// so the checkout flow can be exercised locally.
func seedDemoCatalog(mem *store.Memory) {
	mem.SeedProduct(store.Product{
		ID:       1,
		Name:     "Classic Signet Ring",
		Slug:     "classic-signet-ring",
		Price:    decimal.RequireFromString("100.00"),
		Material: "gold",
		Shape:    "oval",
		Color:    "yellow",
		Brand:    "Atelier",
	})
	mem.SeedCart(1)
	mem.SeedCartItem(1, 1, "M", 2)
}

// instanceGroupID gives each instance its own consumer group so every
// instance sees every event for its websocket clients.
func instanceGroupID(base string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return base + "-" + host
}
