// Accounting service: owns the billing cycles and the ledger. Consumes
// account and task events, prices tasks, applies charges and rewards,
// settles balances at end of day, and relays committed ledger events from
// the outbox to Kafka.
package main

import (
	"context"
	"os"
	"time"

	"taskexchange/internal/accounting/billing"
	"taskexchange/internal/accounting/handlers"
	"taskexchange/internal/accounting/ledger"
	"taskexchange/internal/accounting/outbox"
	"taskexchange/internal/accounting/relay"
	"taskexchange/pkg/auth"
	"taskexchange/pkg/config"
	"taskexchange/pkg/database"
	"taskexchange/pkg/events"
	"taskexchange/pkg/kafka"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/models"
	"taskexchange/pkg/monitoring"
	"taskexchange/pkg/server"
	"taskexchange/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("accounting")
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, "accounting", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	publicKeyPEM, err := os.ReadFile(config.RequireEnv("JWT_PUBLIC_KEY_FILE"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to read JWT public key")
	}
	publicKey, err := auth.ParsePublicKey(publicKeyPEM)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse JWT public key")
	}

	metricsCollector := monitoring.NewMetricsCollector("accounting", version.Version, version.GitCommit)
	postings, closeDuration := metricsCollector.CreateLedgerMetrics()
	consumed, produced, deadLettered := metricsCollector.CreateMessagingMetrics()

	brokers := config.GetKafkaBrokers()
	producer, err := kafka.NewProducer(brokers, "accounting", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()
	producer.WithMetrics(produced)

	consumer, err := kafka.NewConsumer(brokers, "accounting", "accounting", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()
	consumer.WithDeadLetter(producer, events.TopicDeadLetter).
		WithMetrics(consumed, deadLettered)

	poster := ledger.NewPoster(db, logger).WithMetrics(postings)
	cycles := billing.NewManager(db, logger).WithMetrics(closeDuration)
	relay.New(db, poster, cycles, logger).Register(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Fatal("Consumer stopped")
		}
	}()

	outboxInterval := config.GetEnvDuration("OUTBOX_INTERVAL", time.Second)
	go outbox.NewRelay(db, producer, outboxInterval, logger).Run(ctx)

	cronSpec := config.GetEnv("BILLING_CRON", "0 0 * * *")
	scheduler := billing.NewScheduler(producer, cronSpec, logger)
	if err := scheduler.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start billing scheduler")
	}
	defer scheduler.Stop()

	handlers.Init(db, logger)

	healthChecker := monitoring.NewHealthChecker("accounting", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbConfig.URL,
	}))

	router := server.SetupServiceRouter(logger, "accounting", healthChecker, metricsCollector)

	authed := router.Group("/", auth.JWTAuthMiddleware(publicKey))
	authed.GET("/balance", handlers.GetBalance)
	authed.GET("/ledger", handlers.GetLedger)
	authed.GET("/stats/today", auth.RequireRoles(models.RoleAdmin, models.RoleManager), handlers.GetTodayStats)

	if err := server.Start(server.DefaultConfig("accounting", "18083"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}
